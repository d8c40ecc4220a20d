// Package schedule runs periodic background work with explicit start and
// stop hooks.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task calls a function on a fixed interval until stopped.
type Task struct {
	name       string
	interval   time.Duration
	fn         func(ctx context.Context)
	runOnStart bool
	logger     *slog.Logger

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Task.
type Option func(*Task)

// WithRunOnStart runs fn once immediately after Start.
func WithRunOnStart() Option {
	return func(t *Task) { t.runOnStart = true }
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// New creates a stopped task. interval must be positive.
func New(name string, interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the loop. Calling Start on a running task does nothing.
// The loop also ends when ctx is cancelled.
func (t *Task) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	t.logger.Debug("task started", "task", t.name, "interval", t.interval)
	go t.run(ctx, stopCh, doneCh)
}

// Stop ends the loop and waits for an in-flight run to return.
func (t *Task) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}

	t.mu.Lock()
	close(t.stopCh)
	doneCh := t.doneCh
	t.mu.Unlock()

	<-doneCh
	t.logger.Debug("task stopped", "task", t.name)
}

// Running reports whether the loop is active.
func (t *Task) Running() bool { return t.running.Load() }

func (t *Task) run(parent context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if t.runOnStart {
		t.fn(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}
