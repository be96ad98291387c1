package llmgate

import (
	"context"
	"fmt"

	"github.com/hardik936/llmgate/policy"
)

// buildCandidates creates the candidate list for names, or for every
// configured provider when names is empty. Latency is the last observed
// value, falling back to the configured estimate.
func buildCandidates(cfg Config, health *HealthTracker, names []string) ([]policy.Candidate, error) {
	var providers []ProviderConfig
	if len(names) == 0 {
		providers = cfg.Providers
	} else {
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			p, ok := cfg.Provider(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
			}
			providers = append(providers, p)
		}
	}

	candidates := make([]policy.Candidate, 0, len(providers))
	for _, p := range providers {
		latency, ok := health.Latency(p.Name)
		if !ok {
			latency = p.LatencyEstimate
		}
		candidates = append(candidates, policy.Candidate{
			Name:     p.Name,
			Priority: p.Priority,
			Cost:     p.CostPerToken,
			Latency:  latency,
		})
	}
	return candidates, nil
}

// filterCandidates removes providers that are cooling down or whose breaker
// is OPEN.
func filterCandidates(ctx context.Context, candidates []policy.Candidate, health *HealthTracker, breaker *CircuitBreaker) ([]policy.Candidate, error) {
	var filtered []policy.Candidate
	for _, c := range candidates {
		if health.IsDegraded(c.Name) {
			continue
		}
		open, err := breaker.isOpen(ctx, ProviderResource(c.Name))
		if err != nil {
			return nil, fmt.Errorf("llmgate: breaker state %s: %w", c.Name, err)
		}
		if open {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered, nil
}
