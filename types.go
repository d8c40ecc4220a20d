package tokengate

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatResponse represents a chat completion response.
type ChatResponse struct {
	ID      string      `json:"id"`
	Choices []Choice    `json:"choices"`
	Usage   Usage       `json:"usage"`
	Model   string      `json:"model"`
	Routing RoutingInfo `json:"-"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RoutingInfo describes how the gateway handled a request.
type RoutingInfo struct {
	RequestID string
	Provider  string
	Model     string
	Attempts  int
	Action    Action
	RuleID    int64
	Period    int
	Reserved  int64
	// RateLimit is the admission decision, nil when no limiter ran.
	RateLimit *RateDecision
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Choices []StreamDelta `json:"choices"`
	Model   string        `json:"model"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// StreamDelta represents a delta in a streaming choice.
type StreamDelta struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta represents incremental content in a stream.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Content concatenates the delta content of every choice in the chunk.
func (c StreamChunk) Content() string {
	if len(c.Choices) == 1 {
		return c.Choices[0].Delta.Content
	}
	var s string
	for _, d := range c.Choices {
		s += d.Delta.Content
	}
	return s
}

// terminal reports whether the chunk ends a choice or carries final usage.
func (c StreamChunk) terminal() bool {
	if c.Usage != nil {
		return true
	}
	for _, d := range c.Choices {
		if d.FinishReason != "" {
			return true
		}
	}
	return false
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }

// lastUserPrompt returns the content of the last user message, which is
// what content rules are evaluated against.
func lastUserPrompt(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
