package llmgate

import "github.com/hardik936/llmgate/policy"

// RoutingPolicy names the strategy used to order candidate providers.
type RoutingPolicy string

const (
	// PolicyPrimary tries providers in configured priority order, with the
	// request's preferred provider first when it is healthy.
	PolicyPrimary RoutingPolicy = "primary"

	// PolicyCostWeighted tries the cheapest provider first.
	PolicyCostWeighted RoutingPolicy = "cost_weighted"

	// PolicyLatencyWeighted tries the fastest provider first.
	PolicyLatencyWeighted RoutingPolicy = "latency_weighted"
)

// Valid reports whether p is a known policy.
func (p RoutingPolicy) Valid() bool {
	switch p {
	case PolicyPrimary, PolicyCostWeighted, PolicyLatencyWeighted:
		return true
	}
	return false
}

func (p RoutingPolicy) orderer() policy.Policy {
	switch p {
	case PolicyCostWeighted:
		return policy.CostWeighted{}
	case PolicyLatencyWeighted:
		return policy.LatencyWeighted{}
	default:
		return policy.Primary{}
	}
}
