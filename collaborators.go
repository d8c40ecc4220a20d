package tokengate

import (
	"context"
	"time"
)

// CallerStore resolves callers by the SHA-256 hash of their credential.
type CallerStore interface {
	// LookupCaller returns ErrCallerNotFound when no caller has the hash.
	LookupCaller(ctx context.Context, credentialHash string) (Caller, error)
}

// RateLimiter admits or rejects requests per identity key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, cost int) (RateDecision, error)
}

// RateDecision is the outcome of one token-bucket acquisition.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until cost tokens are available. Zero when allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the bucket is full again.
	ResetAfter time.Duration
}

// RuleResult is the outcome of evaluating content rules against a prompt.
// A zero RuleResult means no rule matched.
type RuleResult struct {
	Action  RuleAction
	RuleID  int64
	Message string
}

// Matched reports whether a rule matched.
func (r RuleResult) Matched() bool { return r.Action != "" }

// RuleEvaluator evaluates prompts against the cached rule set.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, prompt string, period int) (RuleResult, error)
	// Reload atomically replaces the cached rule set.
	Reload(ctx context.Context) error
}

// PromptResolver supplies the weekly prompt for a period.
type PromptResolver interface {
	Resolve(ctx context.Context, period int) (WeeklyPrompt, bool, error)
	// Invalidate drops every cached resolution.
	Invalidate()
}

// AuditLogger records request outcomes off the request path.
type AuditLogger interface {
	Log(entry ConversationLogEntry)
}
