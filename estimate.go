package relay

// EstimateTokens provides a rough token count for backends that do not
// report usage. Uses the approximation: ~1.3 chars per token, rounded up.
func EstimateTokens(text string) int64 {
	n := int64(len(text))
	return (n*10 + 12) / 13
}
