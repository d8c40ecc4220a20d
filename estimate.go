package tokengate

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += EstimateText(m.Content)
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// EstimateText estimates the token count of a piece of generated text.
func EstimateText(s string) int64 {
	return int64(len(s)) / 4
}
