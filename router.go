package tokengate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultMaxAttempts bounds how many providers one request may try.
const DefaultMaxAttempts = 3

// errAttemptTimeout is the cancellation cause of an attempt that ran out its
// own budget while the caller was still waiting.
var errAttemptTimeout = errors.New("tokengate: provider attempt timed out")

// Router routes requests across providers with failover.
type Router struct {
	regs        []ProviderRegistration
	policy      Policy
	meter       Meter
	health      *HealthTracker
	maxAttempts int

	attemptTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the selection policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithMaxAttempts sets how many providers a request may try.
func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds a single provider attempt. A stream attempt is
// bounded only until the stream opens.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

// NewRouter creates a new Router over the given registrations.
// A round-robin policy and a noop meter are used unless overridden.
func NewRouter(regs []ProviderRegistration, opts ...Option) (*Router, error) {
	if len(regs) == 0 {
		return nil, ErrNoProviders
	}
	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if reg.Provider == nil {
			return nil, fmt.Errorf("tokengate: registration without provider")
		}
		if seen[reg.Name()] {
			return nil, fmt.Errorf("tokengate: duplicate provider %q", reg.Name())
		}
		seen[reg.Name()] = true
	}

	r := &Router{
		regs:        regs,
		maxAttempts: DefaultMaxAttempts,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.policy == nil {
		r.policy = &defaultRoundRobinPolicy{}
	}
	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	if r.health == nil {
		r.health = NewHealthTracker()
	}
	for _, reg := range regs {
		r.health.Register(reg.Name())
	}

	return r, nil
}

// Health returns the tracker the router consults.
func (r *Router) Health() *HealthTracker { return r.health }

// Providers returns the registered providers.
func (r *Router) Providers() []Provider {
	out := make([]Provider, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.Provider
	}
	return out
}

// candidates returns the ordered, healthy candidates for a request, capped
// at the attempt limit.
func (r *Router) candidates(model string) ([]Candidate, error) {
	all := buildCandidates(r.regs, r.health, model)
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no provider serves model %q", ErrInvalidRequest, model)
	}
	healthy := filterHealthy(all)
	if len(healthy) == 0 {
		return nil, &RouterError{Err: ErrAllProvidersUnavailable, Model: model}
	}
	ordered := r.policy.Select(healthy)
	if len(ordered) > r.maxAttempts {
		ordered = ordered[:r.maxAttempts]
	}
	return ordered, nil
}

func providerRequest(c Candidate, req ChatRequest, stream bool) ProviderRequest {
	return ProviderRequest{
		Auth:        c.Auth,
		Model:       c.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// recordFailure marks the provider unhealthy when the failure is a
// transport-level one.
func (r *Router) recordFailure(c Candidate, err error) {
	if IsTransport(err) {
		r.health.MarkUnhealthy(c.Provider.Name(), err)
	}
}

// attemptBudget returns how long one attempt may take, or 0 for no bound of
// its own. When the caller has a deadline, the time left is shared evenly
// across the attempts that remain, so a hanging provider cannot consume the
// whole request.
func (r *Router) attemptBudget(ctx context.Context, left int) time.Duration {
	d := r.attemptTimeout
	if deadline, ok := ctx.Deadline(); ok && left > 1 {
		share := time.Until(deadline) / time.Duration(left)
		if d <= 0 || share < d {
			d = share
		}
	}
	return d
}

// attemptFailure converts an attempt that ran out its own budget into a
// transport error so the router fails over.
func attemptFailure(actx context.Context, budget time.Duration, err error) error {
	if errors.Is(context.Cause(actx), errAttemptTimeout) {
		return fmt.Errorf("%w: no response within %s: %v", ErrProviderUnavailable, budget, err)
	}
	return err
}

// ChatCompletion performs a synchronous chat completion with failover.
func (r *Router) ChatCompletion(ctx context.Context, requestID string, req ChatRequest) (ChatResponse, error) {
	ordered, err := r.candidates(req.Model)
	if err != nil {
		return ChatResponse{}, err
	}
	estimatedTokens := EstimateTokens(req.Messages)

	var lastErr error
	for attempt, c := range ordered {
		if err := ctx.Err(); err != nil {
			return ChatResponse{}, err
		}

		r.meter.OnRoute(RouteEvent{
			RequestID:   requestID,
			Provider:    c.Provider.Name(),
			Model:       c.Model,
			AttemptNum:  attempt + 1,
			EstimatedIn: estimatedTokens,
		})

		actx, cancel := ctx, context.CancelFunc(func() {})
		budget := r.attemptBudget(ctx, len(ordered)-attempt)
		if budget > 0 {
			actx, cancel = context.WithTimeoutCause(ctx, budget, errAttemptTimeout)
		}

		start := time.Now()
		resp, err := c.Provider.ChatCompletion(actx, providerRequest(c, req, false))
		duration := time.Since(start)

		if err != nil {
			err = attemptFailure(actx, budget, err)
			cancel()
			r.meter.OnResult(ResultEvent{
				RequestID: requestID,
				Provider:  c.Provider.Name(),
				Model:     c.Model,
				Success:   false,
				Duration:  duration,
				Error:     err,
			})
			// The caller gave up; the provider is not at fault.
			if cerr := ctx.Err(); cerr != nil {
				return ChatResponse{}, cerr
			}
			r.recordFailure(c, err)

			if IsFatal(err) {
				return ChatResponse{}, &RouterError{
					Err:      err,
					Provider: c.Provider.Name(),
					Model:    c.Model,
					Attempts: attempt + 1,
				}
			}

			lastErr = err
			continue
		}
		cancel()

		r.meter.OnResult(ResultEvent{
			RequestID: requestID,
			Provider:  c.Provider.Name(),
			Model:     c.Model,
			Success:   true,
			Duration:  duration,
			Usage:     resp.Usage,
		})

		return ChatResponse{
			ID:    resp.ID,
			Model: resp.Model,
			Choices: []Choice{
				{
					Index:        0,
					Message:      Message{Role: RoleAssistant, Content: resp.Content},
					FinishReason: resp.FinishReason,
				},
			},
			Usage: resp.Usage,
			Routing: RoutingInfo{
				RequestID: requestID,
				Provider:  c.Provider.Name(),
				Model:     c.Model,
				Attempts:  attempt + 1,
			},
		}, nil
	}

	return ChatResponse{}, &RouterError{
		Err:      fmt.Errorf("%w: last error: %v", ErrAllProvidersUnavailable, lastErr),
		Model:    req.Model,
		Attempts: len(ordered),
	}
}

// ChatCompletionStream opens a streaming chat completion with failover.
// Failover only happens while opening the stream; once chunks flow, errors
// are surfaced through the stream.
func (r *Router) ChatCompletionStream(ctx context.Context, requestID string, req ChatRequest) (*RouterStream, error) {
	ordered, err := r.candidates(req.Model)
	if err != nil {
		return nil, err
	}
	estimatedTokens := EstimateTokens(req.Messages)

	var lastErr error
	for attempt, c := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.meter.OnRoute(RouteEvent{
			RequestID:   requestID,
			Provider:    c.Provider.Name(),
			Model:       c.Model,
			AttemptNum:  attempt + 1,
			EstimatedIn: estimatedTokens,
		})

		// The stream context outlives the attempt budget, which only bounds
		// opening the stream.
		sctx, scancel := context.WithCancelCause(ctx)
		budget := r.attemptBudget(ctx, len(ordered)-attempt)
		var timer *time.Timer
		if budget > 0 {
			timer = time.AfterFunc(budget, func() { scancel(errAttemptTimeout) })
		}

		stream, err := c.Provider.ChatCompletionStream(sctx, providerRequest(c, req, true))
		if timer != nil {
			timer.Stop()
		}
		if err == nil && sctx.Err() != nil {
			_ = stream.Close()
			err = sctx.Err()
		}
		if err != nil {
			err = attemptFailure(sctx, budget, err)
			scancel(nil)
			r.meter.OnResult(ResultEvent{
				RequestID: requestID,
				Provider:  c.Provider.Name(),
				Model:     c.Model,
				Error:     err,
			})
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			r.recordFailure(c, err)

			if IsFatal(err) {
				return nil, &RouterError{
					Err:      err,
					Provider: c.Provider.Name(),
					Model:    c.Model,
					Attempts: attempt + 1,
				}
			}

			lastErr = err
			continue
		}

		return &RouterStream{
			inner:     stream,
			router:    r,
			requestID: requestID,
			candidate: c,
			attempts:  attempt + 1,
			startTime: time.Now(),
			cancel:    func() { scancel(nil) },
		}, nil
	}

	return nil, &RouterError{
		Err:      fmt.Errorf("%w: last error: %v", ErrAllProvidersUnavailable, lastErr),
		Model:    req.Model,
		Attempts: len(ordered),
	}
}

// defaultRoundRobinPolicy is an inline round-robin policy to avoid import cycles.
type defaultRoundRobinPolicy struct {
	next atomic.Uint64
}

func (p *defaultRoundRobinPolicy) Select(candidates []Candidate) []Candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	start := int((p.next.Add(1) - 1) % uint64(n))
	out := make([]Candidate, 0, n)
	out = append(out, candidates[start:]...)
	return append(out, candidates[:start]...)
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnRoute(RouteEvent)   {}
func (m *noopMeter) OnResult(ResultEvent) {}
