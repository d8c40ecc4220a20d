package tokengate

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a provider is about to be tried.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID   string
	Provider    string
	Model       string
	AttemptNum  int
	EstimatedIn int64
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID string
	Provider  string
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Error     error
}
