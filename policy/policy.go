// Package policy orders routing candidates.
package policy

import (
	"sort"
	"time"
)

// Policy orders candidates, most preferred first.
type Policy interface {
	Order(candidates []Candidate) []Candidate
}

// Candidate is a provider eligible for a call.
type Candidate struct {
	Name     string
	Priority int // lower is preferred
	Cost     float64
	Latency  time.Duration
}

// byPriority breaks ties on priority, then name.
func byPriority(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}

func sorted(candidates []Candidate, less func(a, b Candidate) bool) []Candidate {
	result := make([]Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return less(result[i], result[j])
	})

	return result
}
