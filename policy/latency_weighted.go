package policy

// LatencyWeighted prioritizes the fastest candidates. Latency is the most
// recent observation, or the configured estimate before the first call.
type LatencyWeighted struct{}

var _ Policy = LatencyWeighted{}

// Order sorts by latency ascending.
func (LatencyWeighted) Order(candidates []Candidate) []Candidate {
	return sorted(candidates, func(a, b Candidate) bool {
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		return byPriority(a, b)
	})
}
