// Package mock provides a scriptable Provider for tests and local runs.
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokengate"
)

// Provider is a mock upstream provider.
type Provider struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	probeCount   atomic.Int64
	staticErr    error
	usage        tokengate.Usage
	content      []string
	streamErrAt  int
	streamErr    error
	responseFunc func(tokengate.ProviderRequest) (tokengate.ProviderResponse, error)

	mu        sync.Mutex
	healthErr error
	lastReq   tokengate.ProviderRequest
}

var _ tokengate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		content: []string{"Hello from mock provider"},
		usage: tokengate.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u tokengate.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithContent sets the response content. Streams emit one chunk per part.
func WithContent(parts ...string) Option {
	return func(p *Provider) { p.content = parts }
}

// WithStreamError makes streams fail with err after n content chunks.
func WithStreamError(n int, err error) Option {
	return func(p *Provider) {
		p.streamErrAt = n
		p.streamErr = err
	}
}

// WithHealthError sets the error returned by health probes.
func WithHealthError(err error) Option {
	return func(p *Provider) { p.healthErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(tokengate.ProviderRequest) (tokengate.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// SetHealthError changes the probe result at runtime. nil means healthy.
func (p *Provider) SetHealthError(err error) {
	p.mu.Lock()
	p.healthErr = err
	p.mu.Unlock()
}

// HealthCheck returns the configured probe result.
func (p *Provider) HealthCheck(ctx context.Context) error {
	p.probeCount.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *Provider) ChatCompletion(ctx context.Context, req tokengate.ProviderRequest) (tokengate.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return tokengate.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()

	if p.staticErr != nil {
		return tokengate.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return tokengate.ProviderResponse{}, tokengate.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	var content string
	for _, part := range p.content {
		content += part
	}
	return tokengate.ProviderResponse{
		ID:           "mock-response-id",
		Content:      content,
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokengate.ProviderRequest) (tokengate.ProviderStream, error) {
	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	parts := p.content
	if p.responseFunc != nil {
		parts = []string{resp.Content}
	}

	chunks := []tokengate.StreamChunk{{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: []tokengate.StreamDelta{{Index: 0, Delta: tokengate.Delta{Role: "assistant"}}},
	}}
	for _, part := range parts {
		chunks = append(chunks, tokengate.StreamChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Choices: []tokengate.StreamDelta{{Index: 0, Delta: tokengate.Delta{Content: part}}},
		})
	}
	usage := resp.Usage
	chunks = append(chunks, tokengate.StreamChunk{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: []tokengate.StreamDelta{{Index: 0, FinishReason: "stop"}},
		Usage:   &usage,
	})

	s := &mockStream{ctx: ctx, chunks: chunks}
	if p.streamErr != nil {
		// +1 for the role chunk.
		s.errAt = p.streamErrAt + 1
		s.err = p.streamErr
	}
	return s, nil
}

// CallCount returns the number of completion calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// ProbeCount returns the number of health probes made.
func (p *Provider) ProbeCount() int64 { return p.probeCount.Load() }

// LastRequest returns the most recent request the provider received.
func (p *Provider) LastRequest() tokengate.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type mockStream struct {
	ctx    context.Context
	chunks []tokengate.StreamChunk
	index  int
	errAt  int
	err    error
	closed atomic.Bool
}

func (s *mockStream) Next() (tokengate.StreamChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return tokengate.StreamChunk{}, err
	}
	if s.err != nil && s.index == s.errAt {
		return tokengate.StreamChunk{}, s.err
	}
	if s.index >= len(s.chunks) {
		return tokengate.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.closed.Store(true)
	return nil
}
