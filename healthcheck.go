package tokengate

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ineyio/tokengate/internal/schedule"
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
)

// HealthChecker probes every registered provider on a fixed interval and
// feeds the results into a HealthTracker.
type HealthChecker struct {
	providers []Provider
	health    *HealthTracker
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	task      *schedule.Task
}

// HealthCheckerOption configures a HealthChecker.
type HealthCheckerOption func(*HealthChecker)

// WithCheckInterval sets the probe interval.
func WithCheckInterval(d time.Duration) HealthCheckerOption {
	return func(c *HealthChecker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCheckTimeout sets the per-probe timeout.
func WithCheckTimeout(d time.Duration) HealthCheckerOption {
	return func(c *HealthChecker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(l *slog.Logger) HealthCheckerOption {
	return func(c *HealthChecker) { c.logger = l }
}

// NewHealthChecker creates a checker for providers. Every provider is
// registered healthy in the tracker.
func NewHealthChecker(providers []Provider, health *HealthTracker, opts ...HealthCheckerOption) *HealthChecker {
	c := &HealthChecker{
		providers: providers,
		health:    health,
		interval:  DefaultHealthCheckInterval,
		timeout:   DefaultHealthCheckTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, p := range providers {
		health.Register(p.Name())
	}
	c.task = schedule.New("health-check", c.interval, c.CheckAll, schedule.WithLogger(c.logger))
	return c
}

// Start begins periodic probing.
func (c *HealthChecker) Start(ctx context.Context) { c.task.Start(ctx) }

// Stop ends periodic probing and waits for in-flight probes.
func (c *HealthChecker) Stop() { c.task.Stop() }

// CheckAll probes every provider concurrently, regardless of current state.
func (c *HealthChecker) CheckAll(ctx context.Context) {
	var g errgroup.Group
	for _, p := range c.providers {
		g.Go(func() error {
			c.check(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *HealthChecker) check(ctx context.Context, p Provider) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.HealthCheck(checkCtx)
	if err != nil {
		c.logger.Debug("health probe failed",
			"provider", p.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
	}
	c.health.RecordProbe(p.Name(), err)
}
