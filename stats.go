package tokengate

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters are aggregate request counts since process start.
type Counters struct {
	Total         uint64 `json:"total"`
	Succeeded     uint64 `json:"succeeded"`
	Blocked       uint64 `json:"blocked"`
	Guided        uint64 `json:"guided"`
	RateLimited   uint64 `json:"rate_limited"`
	QuotaExceeded uint64 `json:"quota_exceeded"`
	Failed        uint64 `json:"failed"`
	AuthFailed    uint64 `json:"auth_failed"`
	Aborted       uint64 `json:"aborted"`
}

// Snapshot is a point-in-time view of gateway health and traffic.
type Snapshot struct {
	Providers []HealthRecord    `json:"providers"`
	Requests  Counters          `json:"requests"`
	Errors    map[string]uint64 `json:"errors"`
	Period    int               `json:"period"`
	Uptime    time.Duration     `json:"uptime_ns"`
	Taken     time.Time         `json:"taken_at"`
}

// Healthy reports whether at least one provider is healthy.
func (s Snapshot) Healthy() bool {
	for _, p := range s.Providers {
		if p.State == HealthHealthy {
			return true
		}
	}
	return false
}

type stats struct {
	started time.Time

	total         atomic.Uint64
	succeeded     atomic.Uint64
	blocked       atomic.Uint64
	guided        atomic.Uint64
	rateLimited   atomic.Uint64
	quotaExceeded atomic.Uint64
	failed        atomic.Uint64
	authFailed    atomic.Uint64
	aborted       atomic.Uint64

	mu     sync.Mutex
	errors map[string]uint64
}

func newStats(now time.Time) *stats {
	return &stats{started: now, errors: make(map[string]uint64)}
}

func (s *stats) recordError(err error) {
	class := ErrorClass(err)
	if class == "" {
		return
	}
	s.mu.Lock()
	s.errors[class]++
	s.mu.Unlock()
}

func (s *stats) counters() Counters {
	return Counters{
		Total:         s.total.Load(),
		Succeeded:     s.succeeded.Load(),
		Blocked:       s.blocked.Load(),
		Guided:        s.guided.Load(),
		RateLimited:   s.rateLimited.Load(),
		QuotaExceeded: s.quotaExceeded.Load(),
		Failed:        s.failed.Load(),
		AuthFailed:    s.authFailed.Load(),
		Aborted:       s.aborted.Load(),
	}
}

func (s *stats) errorCounts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}
