// Package openaicompat adapts any endpoint speaking the OpenAI chat
// completions wire format.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ineyio/tokengate"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, DeepSeek, OpenRouter, Ollama, and others.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	auth       tokengate.Auth
	healthPath string
}

var _ tokengate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAuth sets the credential used when a request carries none, including
// health probes.
func WithAuth(a tokengate.Auth) Option {
	return func(p *Provider) { p.auth = a }
}

// WithHealthPath sets the path probed by HealthCheck (default "/models").
func WithHealthPath(path string) Option {
	return func(p *Provider) { p.healthPath = path }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		healthPath: "/models",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewDeepSeek creates a provider for DeepSeek.
func NewDeepSeek(opts ...Option) *Provider {
	return New("deepseek", "https://api.deepseek.com/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model         string         `json:"model"`
	Messages      []apiMessage   `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

// apiStreamChunk is a single SSE chunk.
type apiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
}

func (u apiUsage) toUsage() tokengate.Usage {
	return tokengate.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (p *Provider) ChatCompletion(ctx context.Context, req tokengate.ProviderRequest) (tokengate.ProviderResponse, error) {
	body := p.buildRequest(req, false)

	httpResp, err := p.doRequest(ctx, http.MethodPost, "/chat/completions", req.Auth, body)
	if err != nil {
		return tokengate.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tokengate.ProviderResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tokengate.ProviderResponse{}, fmt.Errorf("%w: decode response: %v", tokengate.ErrProviderUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return tokengate.ProviderResponse{}, fmt.Errorf("%w: empty choices in response", tokengate.ErrProviderUnavailable)
	}

	return tokengate.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        resp.Model,
		Usage:        resp.Usage.toUsage(),
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokengate.ProviderRequest) (tokengate.ProviderStream, error) {
	body := p.buildRequest(req, true)

	httpResp, err := p.doRequest(ctx, http.MethodPost, "/chat/completions", req.Auth, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &sseStream{
		ctx:    ctx,
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

// HealthCheck lists models on the upstream endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpResp, err := p.doRequest(ctx, http.MethodGet, p.healthPath, tokengate.Auth{}, nil)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if err := mapHTTPError(httpResp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64<<10))
	return nil
}

func (p *Provider) buildRequest(req tokengate.ProviderRequest, stream bool) *apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	r := &apiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      stream,
		Stop:        req.Stop,
	}
	if stream {
		r.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return r
}

func (p *Provider) doRequest(ctx context.Context, method, path string, auth tokengate.Auth, body *apiRequest) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("tokengate: marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("tokengate: create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if auth.APIKey == "" {
		auth = p.auth
	}
	if auth.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// A cancelled caller is not the provider's fault.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", tokengate.ErrProviderUnavailable, p.name, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	msg := errorMessage(body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", tokengate.ErrProviderRateLimited, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", tokengate.ErrProviderAuth, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", tokengate.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", tokengate.ErrProviderUnavailable, resp.StatusCode, msg)
	}
}

// errorMessage pulls the human-readable message out of an upstream error
// body, falling back to the raw text.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return strings.TrimSpace(string(body))
}

// sseStream parses Server-Sent Events from an HTTP response body.
type sseStream struct {
	ctx    context.Context
	reader *bufio.Reader
	body   io.ReadCloser
}

func (s *sseStream) Next() (tokengate.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
				return tokengate.StreamChunk{}, io.EOF
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return tokengate.StreamChunk{}, ctxErr
			}
			if !errors.Is(err, io.EOF) {
				return tokengate.StreamChunk{}, fmt.Errorf("%w: read stream: %v", tokengate.ErrProviderUnavailable, err)
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return tokengate.StreamChunk{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		result := tokengate.StreamChunk{
			ID:    chunk.ID,
			Model: chunk.Model,
		}

		for _, c := range chunk.Choices {
			result.Choices = append(result.Choices, tokengate.StreamDelta{
				Index:        c.Index,
				Delta:        tokengate.Delta{Role: c.Delta.Role, Content: c.Delta.Content},
				FinishReason: c.FinishReason,
			})
		}

		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			result.Usage = &u
		}

		return result, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
