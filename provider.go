package tokengate

import "context"

// Provider is the interface that upstream adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "deepseek", "openai").
	Name() string

	// ChatCompletion performs a synchronous chat completion.
	ChatCompletion(ctx context.Context, req ProviderRequest) (ProviderResponse, error)

	// ChatCompletionStream performs a streaming chat completion.
	ChatCompletionStream(ctx context.Context, req ProviderRequest) (ProviderStream, error)

	// HealthCheck probes the upstream endpoint. The caller bounds it with ctx.
	HealthCheck(ctx context.Context) error
}

// Auth holds authentication credentials for a provider endpoint.
type Auth struct {
	APIKey string `yaml:"api_key" json:"-"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
	Stream      bool
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}

// ProviderStream is the interface for streaming responses.
type ProviderStream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (StreamChunk, error)

	// Close releases resources and signals completion.
	Close() error
}

// ProviderRegistration binds a Provider to its routing attributes.
type ProviderRegistration struct {
	Provider Provider
	Auth     Auth
	// Priority orders providers under the health-first strategy; lower goes first.
	Priority int
	// Weight is the relative share under the weighted-random strategy.
	Weight  int
	Enabled bool
	// Models restricts which request models this provider serves. Empty accepts all.
	Models []string
	// DefaultModel replaces an empty request model.
	DefaultModel string
}

// Name returns the registered provider's name.
func (r ProviderRegistration) Name() string { return r.Provider.Name() }

func (r ProviderRegistration) supportsModel(model string) bool {
	if len(r.Models) == 0 || model == "" {
		return true
	}
	for _, m := range r.Models {
		if m == model {
			return true
		}
	}
	return false
}
