package tokengate

// InjectSystemPrompt returns messages with prompt as the leading system
// message. An existing leading system message is replaced outright; otherwise
// the prompt is prepended. The input slice is not modified.
func InjectSystemPrompt(messages []Message, prompt string) []Message {
	sys := Message{Role: RoleSystem, Content: prompt}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		out := make([]Message, len(messages))
		copy(out, messages)
		out[0] = sys
		return out
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, sys)
	return append(out, messages...)
}
