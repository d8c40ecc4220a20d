package tokengate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTokens is reserved for completions that do not set max_tokens.
const DefaultMaxTokens = 2048

// Stream coalescing defaults.
const (
	DefaultStreamFlushBytes    = 4096
	DefaultStreamFlushInterval = 50 * time.Millisecond
)

// Timeouts bound each hop of the pipeline independently.
type Timeouts struct {
	Auth      time.Duration `yaml:"auth"`
	RateLimit time.Duration `yaml:"rate_limit"`
	Rules     time.Duration `yaml:"rules"`
	Prompt    time.Duration `yaml:"prompt"`
	Quota     time.Duration `yaml:"quota"`
	Provider  time.Duration `yaml:"provider"`
	// Attempt caps one provider attempt inside the failover loop. Zero
	// shares the provider budget evenly across the remaining attempts.
	Attempt time.Duration `yaml:"attempt"`
	// Settle bounds quota reconciliation, which runs even after the caller
	// has gone away.
	Settle time.Duration `yaml:"settle"`
}

// DefaultTimeouts returns the per-hop defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Auth:      2 * time.Second,
		RateLimit: time.Second,
		Rules:     time.Second,
		Prompt:    2 * time.Second,
		Quota:     2 * time.Second,
		Provider:  120 * time.Second,
		Settle:    5 * time.Second,
	}
}

func (t *Timeouts) fill() {
	d := DefaultTimeouts()
	for _, p := range []struct {
		dst *time.Duration
		def time.Duration
	}{
		{&t.Auth, d.Auth},
		{&t.RateLimit, d.RateLimit},
		{&t.Rules, d.Rules},
		{&t.Prompt, d.Prompt},
		{&t.Quota, d.Quota},
		{&t.Provider, d.Provider},
		{&t.Settle, d.Settle},
	} {
		if *p.dst <= 0 {
			*p.dst = p.def
		}
	}
}

// Inbound carries the transport-level facts about a request.
type Inbound struct {
	Credential string
	RemoteAddr string
	RequestID  string
}

// Gateway runs the admission pipeline in front of the router.
type Gateway struct {
	router   *Router
	callers  CallerStore
	limiter  RateLimiter
	rules    RuleEvaluator
	prompts  PromptResolver
	quota    QuotaService
	audit    AuditLogger
	calendar WeekCalendar
	timeouts Timeouts
	logger   *slog.Logger
	now      func() time.Time

	defaultMaxTokens    int
	rateLimitFailOpen   bool
	streamFlushBytes    int
	streamFlushInterval time.Duration

	stats *stats
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRateLimiter sets the admission rate limiter.
func WithRateLimiter(l RateLimiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithRuleEvaluator sets the content rule engine.
func WithRuleEvaluator(e RuleEvaluator) GatewayOption {
	return func(g *Gateway) { g.rules = e }
}

// WithPromptResolver sets the weekly prompt source.
func WithPromptResolver(p PromptResolver) GatewayOption {
	return func(g *Gateway) { g.prompts = p }
}

// WithQuotaService sets the quota service.
func WithQuotaService(q QuotaService) GatewayOption {
	return func(g *Gateway) { g.quota = q }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(a AuditLogger) GatewayOption {
	return func(g *Gateway) { g.audit = a }
}

// WithCalendar sets the period calendar.
func WithCalendar(c WeekCalendar) GatewayOption {
	return func(g *Gateway) { g.calendar = c }
}

// WithTimeouts sets per-hop timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) GatewayOption {
	return func(g *Gateway) { g.timeouts = t }
}

// WithDefaultMaxTokens sets the completion budget reserved when a request
// does not set max_tokens.
func WithDefaultMaxTokens(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.defaultMaxTokens = n
		}
	}
}

// WithRateLimitFailOpen controls whether requests pass when the rate
// limiter backend errors.
func WithRateLimitFailOpen(open bool) GatewayOption {
	return func(g *Gateway) { g.rateLimitFailOpen = open }
}

// WithStreamBuffer sets how much content a stream coalesces before yielding.
func WithStreamBuffer(bytes int, interval time.Duration) GatewayOption {
	return func(g *Gateway) {
		if bytes > 0 {
			g.streamFlushBytes = bytes
		}
		if interval > 0 {
			g.streamFlushInterval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway wires the pipeline. A caller store is required; every other
// stage is optional and admits everything when absent.
func NewGateway(router *Router, callers CallerStore, opts ...GatewayOption) (*Gateway, error) {
	if router == nil {
		return nil, fmt.Errorf("tokengate: router is required")
	}
	if callers == nil {
		return nil, fmt.Errorf("tokengate: caller store is required")
	}

	g := &Gateway{
		router:              router,
		callers:             callers,
		timeouts:            DefaultTimeouts(),
		defaultMaxTokens:    DefaultMaxTokens,
		rateLimitFailOpen:   true,
		streamFlushBytes:    DefaultStreamFlushBytes,
		streamFlushInterval: DefaultStreamFlushInterval,
		logger:              slog.Default(),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.timeouts.fill()
	if g.quota == nil {
		g.quota = noopQuota{}
	}
	if g.audit == nil {
		g.audit = noopAudit{}
	}
	g.stats = newStats(g.now())

	return g, nil
}

// ReloadRules atomically replaces the cached rule set.
func (g *Gateway) ReloadRules(ctx context.Context) error {
	if g.rules == nil {
		return nil
	}
	return g.rules.Reload(ctx)
}

// InvalidateWeeklyPromptCache drops every cached weekly prompt.
func (g *Gateway) InvalidateWeeklyPromptCache() {
	if g.prompts != nil {
		g.prompts.Invalidate()
	}
}

// Snapshot returns provider health and request counters.
func (g *Gateway) Snapshot() Snapshot {
	now := g.now()
	return Snapshot{
		Providers: g.router.Health().Snapshot(),
		Requests:  g.stats.counters(),
		Errors:    g.stats.errorCounts(),
		Period:    g.calendar.Period(now),
		Uptime:    now.Sub(g.stats.started),
		Taken:     now,
	}
}

// admission is the state a request carries out of the pre-provider stages.
type admission struct {
	requestID   string
	caller      Caller
	period      int
	prompt      string
	req         ChatRequest
	rule        RuleResult
	promptID    int64
	reservation Reservation
	rate        *RateDecision
}

func (a *admission) action() Action {
	if a.rule.Action == RuleGuide {
		return ActionGuided
	}
	return ActionPassed
}

// ChatCompletion runs a buffered request through the pipeline.
// A request blocked by a rule returns a synthetic response and no error.
func (g *Gateway) ChatCompletion(ctx context.Context, in Inbound, req ChatRequest) (ChatResponse, error) {
	adm, blocked, err := g.admit(ctx, in, req)
	if err != nil {
		return ChatResponse{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}

	pctx, cancel := context.WithTimeout(ctx, g.timeouts.Provider)
	resp, err := g.router.ChatCompletion(pctx, adm.requestID, adm.req)
	cancel()

	if err != nil {
		g.release(ctx, adm)
		g.fail(adm, err, "")
		return ChatResponse{}, err
	}

	actual := resp.Usage.TotalTokens
	if actual <= 0 {
		actual = EstimateTokens(adm.req.Messages) + EstimateText(firstContent(resp))
	}
	g.reconcile(ctx, adm, actual)

	g.stats.succeeded.Add(1)
	if adm.rule.Action == RuleGuide {
		g.stats.guided.Add(1)
	}
	g.record(adm, adm.action(), firstContent(resp), actual, resp.Routing.Provider, resp.Model)

	resp.Routing.Action = adm.action()
	resp.Routing.RuleID = adm.rule.RuleID
	resp.Routing.Period = adm.period
	resp.Routing.Reserved = adm.reservation.Amount
	resp.Routing.RateLimit = adm.rate
	return resp, nil
}

// ChatCompletionStream runs a streaming request through the pipeline.
// The caller must Close the returned stream; closing settles quota and
// records the outcome.
func (g *Gateway) ChatCompletionStream(ctx context.Context, in Inbound, req ChatRequest) (*GatewayStream, error) {
	adm, blocked, err := g.admit(ctx, in, req)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return newBlockedStream(*blocked), nil
	}

	pctx, cancel := context.WithTimeout(ctx, g.timeouts.Provider)
	inner, err := g.router.ChatCompletionStream(pctx, adm.requestID, adm.req)
	if err != nil {
		cancel()
		g.release(ctx, adm)
		g.fail(adm, err, "")
		return nil, err
	}

	return &GatewayStream{
		g:             g,
		adm:           adm,
		ctx:           ctx,
		inner:         inner,
		cancel:        cancel,
		flushBytes:    g.streamFlushBytes,
		flushInterval: g.streamFlushInterval,
	}, nil
}

// admit runs authentication, rate limiting, rules, weekly prompt injection
// and quota reservation. A non-nil response means a rule blocked the request.
func (g *Gateway) admit(ctx context.Context, in Inbound, req ChatRequest) (*admission, *ChatResponse, error) {
	g.stats.total.Add(1)

	adm := &admission{requestID: in.RequestID}
	if adm.requestID == "" {
		adm.requestID = uuid.NewString()
	}

	if len(req.Messages) == 0 {
		err := fmt.Errorf("%w: messages are required", ErrInvalidRequest)
		g.stats.recordError(err)
		return nil, nil, err
	}

	caller, key, err := g.authenticate(ctx, in.Credential)
	if err != nil {
		g.stats.recordError(err)
		if errors.Is(err, ErrAuthFailed) {
			g.stats.authFailed.Add(1)
		}
		return nil, nil, err
	}
	adm.caller = caller

	adm.rate, err = g.acquire(ctx, key)
	if err != nil {
		g.stats.recordError(err)
		if errors.Is(err, ErrRateLimited) {
			g.stats.rateLimited.Add(1)
		}
		return nil, nil, err
	}

	adm.period = g.calendar.Period(g.now())
	adm.prompt = lastUserPrompt(req.Messages)
	adm.req = req

	if g.rules != nil {
		rctx, cancel := context.WithTimeout(ctx, g.timeouts.Rules)
		res, err := g.rules.Evaluate(rctx, adm.prompt, adm.period)
		cancel()
		if err != nil {
			g.logger.Error("rule evaluation failed, admitting request",
				"request_id", adm.requestID,
				"error", err,
			)
		}
		adm.rule = res
	}

	if adm.rule.Action == RuleBlock {
		g.stats.blocked.Add(1)
		g.record(adm, ActionBlocked, adm.rule.Message, 0, "", "")
		resp := blockedResponse(adm)
		return nil, &resp, nil
	}

	if g.prompts != nil {
		pctx, cancel := context.WithTimeout(ctx, g.timeouts.Prompt)
		wp, ok, err := g.prompts.Resolve(pctx, adm.period)
		cancel()
		switch {
		case err != nil:
			g.logger.Warn("weekly prompt resolution failed",
				"request_id", adm.requestID,
				"period", adm.period,
				"error", err,
			)
		case ok:
			adm.req.Messages = InjectSystemPrompt(req.Messages, wp.Text)
			adm.promptID = wp.ID
		}
	}

	maxTokens := g.defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	need := EstimateTokens(adm.req.Messages) + int64(maxTokens)

	qctx, cancel := context.WithTimeout(ctx, g.timeouts.Quota)
	res, err := g.quota.Reserve(qctx, caller.ID, adm.period, need)
	cancel()
	if err != nil {
		g.stats.recordError(err)
		var qe *QuotaError
		if errors.As(err, &qe) {
			g.stats.quotaExceeded.Add(1)
			g.record(adm, ActionQuotaExceeded, "", 0, "", "")
			return nil, nil, err
		}
		g.logger.Error("quota reservation failed",
			"request_id", adm.requestID,
			"caller", caller.ID,
			"error", err,
		)
		return nil, nil, fmt.Errorf("%w: quota reservation: %v", ErrInternal, err)
	}
	adm.reservation = res

	return adm, nil, nil
}

// authenticate resolves the caller and derives its rate-limit key.
func (g *Gateway) authenticate(ctx context.Context, credential string) (Caller, string, error) {
	if credential == "" {
		return Caller{}, "", fmt.Errorf("%w: missing credential", ErrAuthFailed)
	}
	key, err := CredentialKey(credential)
	if err != nil {
		return Caller{}, "", err
	}

	actx, cancel := context.WithTimeout(ctx, g.timeouts.Auth)
	defer cancel()

	caller, err := g.callers.LookupCaller(actx, HashCredential(credential))
	if errors.Is(err, ErrCallerNotFound) {
		return Caller{}, "", fmt.Errorf("%w: unknown credential", ErrAuthFailed)
	}
	if err != nil {
		g.logger.Error("caller lookup failed", "error", err)
		return Caller{}, "", fmt.Errorf("%w: caller lookup: %v", ErrInternal, err)
	}
	if !caller.Active {
		return Caller{}, "", fmt.Errorf("%w: caller %s is deactivated", ErrAuthFailed, caller.ID)
	}
	return caller, key, nil
}

// acquire takes one token from the caller's bucket. The decision is nil
// when no limiter ran.
func (g *Gateway) acquire(ctx context.Context, key string) (*RateDecision, error) {
	if g.limiter == nil {
		return nil, nil
	}
	lctx, cancel := context.WithTimeout(ctx, g.timeouts.RateLimit)
	defer cancel()

	d, err := g.limiter.Allow(lctx, key, 1)
	if err != nil {
		if g.rateLimitFailOpen {
			g.logger.Warn("rate limiter unavailable, admitting request", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrInternal, err)
	}
	if !d.Allowed {
		return &d, &RateLimitError{Limit: d.Limit, RetryAfter: d.RetryAfter}
	}
	return &d, nil
}

// settleContext detaches from the request so that a disconnected client
// still settles its reservation.
func (g *Gateway) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.timeouts.Settle)
}

func (g *Gateway) reconcile(ctx context.Context, adm *admission, actual int64) {
	sctx, cancel := g.settleContext(ctx)
	defer cancel()
	if err := g.quota.Reconcile(sctx, adm.reservation, actual); err != nil {
		g.logger.Error("quota reconcile failed",
			"request_id", adm.requestID,
			"caller", adm.caller.ID,
			"reserved", adm.reservation.Amount,
			"actual", actual,
			"error", err,
		)
	}
}

func (g *Gateway) release(ctx context.Context, adm *admission) {
	sctx, cancel := g.settleContext(ctx)
	defer cancel()
	if err := g.quota.Release(sctx, adm.reservation); err != nil {
		g.logger.Error("quota release failed",
			"request_id", adm.requestID,
			"caller", adm.caller.ID,
			"reserved", adm.reservation.Amount,
			"error", err,
		)
	}
}

// fail counts and records a request that reached the provider stage and failed.
func (g *Gateway) fail(adm *admission, err error, provider string) {
	g.stats.failed.Add(1)
	g.stats.recordError(err)
	if ErrorClass(err) == "internal" {
		g.logger.Error("request failed", "request_id", adm.requestID, "error", err)
	}
	g.record(adm, ActionFailed, "", 0, provider, "")
}

func (g *Gateway) record(adm *admission, action Action, response string, tokens int64, provider, model string) {
	g.audit.Log(ConversationLogEntry{
		ID:             uuid.NewString(),
		RequestID:      adm.requestID,
		CallerID:       adm.caller.ID,
		Prompt:         adm.prompt,
		Response:       response,
		TokensUsed:     tokens,
		Action:         action,
		RuleID:         adm.rule.RuleID,
		WeeklyPromptID: adm.promptID,
		Period:         adm.period,
		Provider:       provider,
		Model:          model,
		Timestamp:      g.now().UTC(),
	})
}

func blockedResponse(adm *admission) ChatResponse {
	return ChatResponse{
		ID:    "blocked-" + strconv.FormatInt(adm.rule.RuleID, 10),
		Model: "blocked",
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: adm.rule.Message},
			FinishReason: "stop",
		}},
		Routing: RoutingInfo{
			RequestID: adm.requestID,
			Action:    ActionBlocked,
			RuleID:    adm.rule.RuleID,
			Period:    adm.period,
			RateLimit: adm.rate,
		},
	}
}

func firstContent(resp ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// noopQuota admits every reservation.
type noopQuota struct{}

func (noopQuota) Reserve(_ context.Context, callerID string, period int, tokens int64) (Reservation, error) {
	return Reservation{ID: uuid.NewString(), CallerID: callerID, Period: period, Amount: tokens}, nil
}
func (noopQuota) Reconcile(context.Context, Reservation, int64) error { return nil }
func (noopQuota) Release(context.Context, Reservation) error          { return nil }

// noopAudit discards entries.
type noopAudit struct{}

func (noopAudit) Log(ConversationLogEntry) {}
