package tokengate

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultProbeFailureThreshold is the number of consecutive failed probes
// that mark a healthy provider unhealthy.
const DefaultProbeFailureThreshold = 2

// HealthRecord is the health verdict for one provider.
type HealthRecord struct {
	Provider            string      `json:"provider"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastChecked         time.Time   `json:"last_checked"`
	LastError           string      `json:"last_error,omitempty"`
}

// HealthTracker holds per-provider health. Reads load an immutable
// snapshot and never block; writes copy the map under a mutex.
type HealthTracker struct {
	mu               sync.Mutex
	records          atomic.Pointer[map[string]HealthRecord]
	failureThreshold int
	logger           *slog.Logger
	now              func() time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithProbeFailureThreshold sets how many consecutive probe failures mark a
// provider unhealthy.
func WithProbeFailureThreshold(n int) HealthOption {
	return func(h *HealthTracker) {
		if n > 0 {
			h.failureThreshold = n
		}
	}
}

// WithHealthLogger sets the logger for state transitions.
func WithHealthLogger(l *slog.Logger) HealthOption {
	return func(h *HealthTracker) { h.logger = l }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		failureThreshold: DefaultProbeFailureThreshold,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	empty := map[string]HealthRecord{}
	h.records.Store(&empty)
	return h
}

// Register adds a provider in the healthy state. Existing records are kept.
func (h *HealthTracker) Register(name string) {
	h.update(name, func(r *HealthRecord, exists bool) bool {
		return !exists
	})
}

// GetHealth returns the current health state for a provider.
// Unknown providers are reported healthy.
func (h *HealthTracker) GetHealth(name string) HealthState {
	rec, ok := (*h.records.Load())[name]
	if !ok {
		return HealthHealthy
	}
	return rec.State
}

// Record returns the health record for a provider.
func (h *HealthTracker) Record(name string) (HealthRecord, bool) {
	rec, ok := (*h.records.Load())[name]
	return rec, ok
}

// Snapshot returns all records sorted by provider name.
func (h *HealthTracker) Snapshot() []HealthRecord {
	m := *h.records.Load()
	out := make([]HealthRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// RecordProbe applies the outcome of a background probe. A single success
// restores a provider; failures accumulate until the threshold is reached.
func (h *HealthTracker) RecordProbe(name string, err error) {
	h.update(name, func(r *HealthRecord, _ bool) bool {
		r.LastChecked = h.now()
		if err == nil {
			if r.State == HealthUnhealthy {
				h.logger.Info("provider recovered", "provider", name)
			}
			r.State = HealthHealthy
			r.ConsecutiveFailures = 0
			r.LastError = ""
			return true
		}
		r.ConsecutiveFailures++
		r.LastError = err.Error()
		if r.State == HealthHealthy && r.ConsecutiveFailures >= h.failureThreshold {
			r.State = HealthUnhealthy
			h.logger.Warn("provider marked unhealthy by probe",
				"provider", name,
				"failures", r.ConsecutiveFailures,
				"error", err,
			)
		}
		return true
	})
}

// MarkUnhealthy marks a provider unhealthy immediately after a live-traffic
// failure. Only a successful probe brings it back.
func (h *HealthTracker) MarkUnhealthy(name string, err error) {
	h.update(name, func(r *HealthRecord, _ bool) bool {
		r.ConsecutiveFailures++
		if err != nil {
			r.LastError = err.Error()
		}
		if r.State != HealthUnhealthy {
			r.State = HealthUnhealthy
			h.logger.Warn("provider marked unhealthy", "provider", name, "error", err)
		}
		return true
	})
}

// update copies the record map, applies fn to the named record and
// publishes the result if fn reports a change.
func (h *HealthTracker) update(name string, fn func(r *HealthRecord, exists bool) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.records.Load()
	rec, exists := cur[name]
	if !exists {
		rec = HealthRecord{Provider: name, State: HealthHealthy}
	}
	if !fn(&rec, exists) {
		return
	}

	next := make(map[string]HealthRecord, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = rec
	h.records.Store(&next)
}
