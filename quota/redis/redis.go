// Package redis provides a Redis-backed quota cache for tokengate.
//
// Quota state lives in one Redis hash per caller and period. Reserve,
// settle and release run as Lua scripts, so reservations stay atomic
// across any number of gateway instances.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/quota"
)

// DefaultTTL keeps a period's hash around a little longer than the period.
const DefaultTTL = 8 * 24 * time.Hour

// Cache is a Redis-backed quota.Cache.
type Cache struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ quota.Cache = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithKeyPrefix sets the Redis key prefix (default "tokengate:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.keyPrefix = prefix }
}

// WithTTL sets the expiry applied when a key is seeded.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// New creates a new Redis-backed quota cache.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		keyPrefix: "tokengate:quota:",
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(k quota.Key) string {
	return c.keyPrefix + k.CallerID + ":" + strconv.Itoa(k.Period)
}

// seedScript creates the hash unless it already exists.
// KEYS[1] = quota hash key
// ARGV[1] = granted, ARGV[2] = used, ARGV[3] = ttl (seconds)
var seedScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "granted", ARGV[1], "used", ARGV[2], "reserved", "0")
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return 1
`)

// reserveScript increments reserved if the ceiling allows it.
// KEYS[1] = quota hash key
// ARGV[1] = amount
//
// Returns {status, remaining}:
//
//	 1 = reserved OK
//	 0 = quota exceeded
//	-1 = key not seeded
var reserveScript = goredis.NewScript(`
local granted = redis.call("HGET", KEYS[1], "granted")
if not granted then
    return {-1, 0}
end
granted = tonumber(granted)
local amount = tonumber(ARGV[1])
local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local available = granted - used - reserved

if amount > available then
    if available < 0 then
        available = 0
    end
    return {0, available}
end

redis.call("HINCRBY", KEYS[1], "reserved", amount)
return {1, available - amount}
`)

// settleScript moves a reservation into used.
// KEYS[1] = quota hash key
// ARGV[1] = reserved amount, ARGV[2] = actual amount
var settleScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0") - tonumber(ARGV[1])
if reserved < 0 then
    reserved = 0
end
redis.call("HSET", KEYS[1], "reserved", reserved)
redis.call("HINCRBY", KEYS[1], "used", tonumber(ARGV[2]))
return 1
`)

// releaseScript drops a reservation.
// KEYS[1] = quota hash key
// ARGV[1] = amount
var releaseScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0") - tonumber(ARGV[1])
if reserved < 0 then
    reserved = 0
end
redis.call("HSET", KEYS[1], "reserved", reserved)
return 1
`)

// Seed stores state for key unless it is already present.
func (c *Cache) Seed(ctx context.Context, key quota.Key, granted, used int64) error {
	err := seedScript.Run(ctx, c.client, []string{c.key(key)},
		granted, used, int64(c.ttl/time.Second),
	).Err()
	if err != nil {
		return fmt.Errorf("tokengate/redis: seed: %w", err)
	}
	return nil
}

// Reserve adds n to reserved if the remaining budget covers it.
func (c *Cache) Reserve(ctx context.Context, key quota.Key, n int64) (bool, int64, error) {
	vals, err := reserveScript.Run(ctx, c.client, []string{c.key(key)}, n).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("tokengate/redis: reserve: %w", err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("tokengate/redis: unexpected reserve result: %v", vals)
	}

	switch vals[0] {
	case 1:
		return true, vals[1], nil
	case 0:
		return false, vals[1], nil
	case -1:
		return false, 0, quota.ErrNotCached
	default:
		return false, 0, fmt.Errorf("tokengate/redis: unexpected reserve status: %d", vals[0])
	}
}

// Settle moves a reservation into used.
func (c *Cache) Settle(ctx context.Context, key quota.Key, reserved, actual int64) error {
	return c.runMutation(ctx, settleScript, "settle", key, reserved, actual)
}

// Release drops a reservation.
func (c *Cache) Release(ctx context.Context, key quota.Key, reserved int64) error {
	return c.runMutation(ctx, releaseScript, "release", key, reserved)
}

func (c *Cache) runMutation(ctx context.Context, script *goredis.Script, op string, key quota.Key, args ...any) error {
	result, err := script.Run(ctx, c.client, []string{c.key(key)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("tokengate/redis: %s: %w", op, err)
	}
	if result == -1 {
		return quota.ErrNotCached
	}
	return nil
}

// Get returns the current state for key.
func (c *Cache) Get(ctx context.Context, key quota.Key) (tokengate.QuotaState, error) {
	vals, err := c.client.HMGet(ctx, c.key(key), "granted", "used", "reserved").Result()
	if err != nil {
		return tokengate.QuotaState{}, fmt.Errorf("tokengate/redis: get: %w", err)
	}
	if vals[0] == nil {
		return tokengate.QuotaState{}, quota.ErrNotCached
	}

	return tokengate.QuotaState{
		Granted:  parseInt(vals[0]),
		Used:     parseInt(vals[1]),
		Reserved: parseInt(vals[2]),
	}, nil
}

func parseInt(v any) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
