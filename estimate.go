package llmgate

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token + fixed request overhead.
func EstimateTokens(prompt string) int64 {
	if prompt == "" {
		return 0
	}
	// ~4 chars per token, rounded up
	total := (int64(len(prompt)) + 3) / 4
	// base overhead for the request (role, formatting)
	total += 3
	return total
}

// quotaCharge returns the number of quota tokens a request is charged.
func quotaCharge(req Request, minimum int64) int64 {
	n := req.Tokens
	if n <= 0 {
		n = EstimateTokens(req.Prompt)
	}
	if n < minimum {
		n = minimum
	}
	return n
}
