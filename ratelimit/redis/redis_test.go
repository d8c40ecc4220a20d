//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokengate/ratelimit"
	ratelimitredis "github.com/ineyio/tokengate/ratelimit/redis"
)

func newTestLimiter(t *testing.T, cfg ratelimit.Config) *ratelimitredis.Limiter {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	prefix := "test:" + t.Name() + ":"
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return ratelimitredis.New(client, cfg, ratelimitredis.WithKeyPrefix(prefix))
}

func TestEleventhRequestRejected(t *testing.T) {
	l := newTestLimiter(t, ratelimit.Config{RequestsPerMinute: 60, Burst: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "ratelimit:apikey:abc", 1)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, err := l.Allow(ctx, "ratelimit:apikey:abc", 1)
	if err != nil {
		t.Fatalf("allow 11: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th request should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", d.RetryAfter)
	}
	if d.Limit != 10 {
		t.Fatalf("expected limit 10, got %d", d.Limit)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, ratelimit.Config{Burst: 1})
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "a", 1); !d.Allowed {
		t.Fatal("first request for a should pass")
	}
	if d, _ := l.Allow(ctx, "a", 1); d.Allowed {
		t.Fatal("second request for a should be rejected")
	}
	if d, _ := l.Allow(ctx, "b", 1); !d.Allowed {
		t.Fatal("first request for b should pass")
	}
}
