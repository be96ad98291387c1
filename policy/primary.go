package policy

// Primary orders candidates by configured priority.
type Primary struct{}

var _ Policy = Primary{}

// Order sorts by priority ascending, then name.
func (Primary) Order(candidates []Candidate) []Candidate {
	return sorted(candidates, byPriority)
}
