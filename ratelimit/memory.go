// Package ratelimit provides token-bucket admission limiters.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ineyio/tokengate"
)

// Defaults for a bucket.
const (
	DefaultRequestsPerMinute = 60
	DefaultBurst             = 10
	DefaultMaxKeys           = 10000
)

// Config sizes a token bucket.
type Config struct {
	// RequestsPerMinute is the refill rate.
	RequestsPerMinute float64
	// Burst is the bucket capacity.
	Burst int
}

func (c *Config) fill() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
}

// RatePerSecond returns the refill rate in tokens per second.
func (c Config) RatePerSecond() float64 {
	return c.RequestsPerMinute / 60
}

// Decide computes the outcome for a bucket holding tokens after refill.
// It returns the decision and the token count left in the bucket.
func (c Config) Decide(tokens float64, cost int) (tokengate.RateDecision, float64) {
	rate := c.RatePerSecond()
	d := tokengate.RateDecision{Limit: c.Burst}

	if tokens >= float64(cost) {
		tokens -= float64(cost)
		d.Allowed = true
	} else {
		d.RetryAfter = seconds(math.Ceil((float64(cost)-tokens)/rate*1000) / 1000)
	}
	d.Remaining = int(tokens)
	d.ResetAfter = seconds((float64(c.Burst) - tokens) / rate)
	return d, tokens
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type bucket struct {
	key    string
	tokens float64
	last   time.Time
}

// Memory is an in-process token-bucket limiter with a bounded key set.
// When the key count exceeds MaxKeys the least recently used fifth is
// evicted. Safe for concurrent use.
type Memory struct {
	cfg     Config
	maxKeys int
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used
}

var _ tokengate.RateLimiter = (*Memory)(nil)

// Option configures a Memory limiter.
type Option func(*Memory)

// WithMaxKeys bounds the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.maxKeys = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory limiter.
func NewMemory(cfg Config, opts ...Option) *Memory {
	cfg.fill()
	m := &Memory{
		cfg:     cfg,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow takes cost tokens from key's bucket if available.
func (m *Memory) Allow(_ context.Context, key string, cost int) (tokengate.RateDecision, error) {
	if cost <= 0 {
		return tokengate.RateDecision{}, fmt.Errorf("%w: rate limit cost must be positive", tokengate.ErrInvalidRequest)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var b *bucket
	if el, ok := m.buckets[key]; ok {
		m.lru.MoveToFront(el)
		b = el.Value.(*bucket)
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(float64(m.cfg.Burst), b.tokens+elapsed*m.cfg.RatePerSecond())
			b.last = now
		}
	} else {
		m.evict()
		b = &bucket{key: key, tokens: float64(m.cfg.Burst), last: now}
		m.buckets[key] = m.lru.PushFront(b)
	}

	d, left := m.cfg.Decide(b.tokens, cost)
	b.tokens = left
	return d, nil
}

// evict drops the least recently used fifth of the keys once the map is
// full. Caller holds mu.
func (m *Memory) evict() {
	if len(m.buckets) < m.maxKeys {
		return
	}
	n := max(m.maxKeys/5, 1)
	for i := 0; i < n; i++ {
		el := m.lru.Back()
		if el == nil {
			return
		}
		m.lru.Remove(el)
		delete(m.buckets, el.Value.(*bucket).key)
	}
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
