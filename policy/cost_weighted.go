package policy

// CostWeighted prioritizes the cheapest candidates.
type CostWeighted struct{}

var _ Policy = CostWeighted{}

// Order sorts by cost per token ascending.
func (CostWeighted) Order(candidates []Candidate) []Candidate {
	return sorted(candidates, func(a, b Candidate) bool {
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return byPriority(a, b)
	})
}
