// Package redis provides a distributed token-bucket limiter on Redis.
package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/ratelimit"
)

// Limiter is a Redis-backed token bucket. Refill uses the server clock, so
// gateway instances with skewed clocks share one consistent bucket.
type Limiter struct {
	client    goredis.Cmdable
	cfg       ratelimit.Config
	keyPrefix string
}

var _ tokengate.RateLimiter = (*Limiter)(nil)

// Option configures Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the Redis key prefix (default "tokengate:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// New creates a Redis-backed limiter.
func New(client goredis.Cmdable, cfg ratelimit.Config, opts ...Option) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = ratelimit.DefaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = ratelimit.DefaultBurst
	}
	l := &Limiter{
		client:    client,
		cfg:       cfg,
		keyPrefix: "tokengate:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// bucketScript refills and takes from a bucket in one round trip.
// KEYS[1] = bucket hash key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per second)
// ARGV[3] = cost
//
// Returns {allowed, tokens_after * 1000}.
var bucketScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens") or capacity)
local last = tonumber(redis.call("HGET", KEYS[1], "last") or now)

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last", tostring(now))
redis.call("EXPIRE", KEYS[1], math.ceil(capacity / rate) * 2 + 1)
return {allowed, math.floor(tokens * 1000)}
`)

// Allow takes cost tokens from key's bucket if available.
func (l *Limiter) Allow(ctx context.Context, key string, cost int) (tokengate.RateDecision, error) {
	if cost <= 0 {
		return tokengate.RateDecision{}, fmt.Errorf("%w: rate limit cost must be positive", tokengate.ErrInvalidRequest)
	}
	vals, err := bucketScript.Run(ctx, l.client, []string{l.keyPrefix + key},
		l.cfg.Burst, l.cfg.RatePerSecond(), cost,
	).Int64Slice()
	if err != nil {
		return tokengate.RateDecision{}, fmt.Errorf("tokengate/redis: rate limit: %w", err)
	}
	if len(vals) != 2 {
		return tokengate.RateDecision{}, fmt.Errorf("tokengate/redis: unexpected rate limit result: %v", vals)
	}

	tokens := float64(vals[1]) / 1000
	rate := l.cfg.RatePerSecond()
	d := tokengate.RateDecision{
		Allowed:    vals[0] == 1,
		Limit:      l.cfg.Burst,
		Remaining:  int(tokens),
		ResetAfter: time.Duration((float64(l.cfg.Burst) - tokens) / rate * float64(time.Second)),
	}
	if !d.Allowed {
		wait := math.Ceil((float64(cost)-tokens)/rate*1000) / 1000
		d.RetryAfter = time.Duration(wait * float64(time.Second))
	}
	return d, nil
}
