//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokengate/quota"
	quotaredis "github.com/ineyio/tokengate/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
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
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestCache(t *testing.T, client *goredis.Client) *quotaredis.Cache {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	c := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return c
}

func TestReserveRequiresSeed(t *testing.T) {
	c := newTestCache(t, newTestClient(t))
	_, _, err := c.Reserve(context.Background(), quota.Key{CallerID: "c1", Period: 1}, 10)
	if !errors.Is(err, quota.ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}
}

func TestReserveSettleRelease(t *testing.T) {
	c := newTestCache(t, newTestClient(t))
	ctx := context.Background()
	key := quota.Key{CallerID: "c1", Period: 1}

	if err := c.Seed(ctx, key, 1000, 950); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ok, remaining, err := c.Reserve(ctx, key, 100)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok || remaining != 50 {
		t.Fatalf("expected denial with 50 remaining, got ok=%v remaining=%d", ok, remaining)
	}

	ok, remaining, err = c.Reserve(ctx, key, 40)
	if err != nil || !ok || remaining != 10 {
		t.Fatalf("expected reserve of 40 to succeed with 10 remaining, got ok=%v remaining=%d err=%v", ok, remaining, err)
	}

	if err := c.Settle(ctx, key, 40, 25); err != nil {
		t.Fatalf("settle: %v", err)
	}
	st, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Used != 975 || st.Reserved != 0 {
		t.Fatalf("expected used=975 reserved=0, got %+v", st)
	}

	ok, _, _ = c.Reserve(ctx, key, 20)
	if !ok {
		t.Fatal("expected reserve of 20 to succeed")
	}
	if err := c.Release(ctx, key, 20); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ = c.Get(ctx, key)
	if st.Remaining() != 25 {
		t.Fatalf("expected 25 remaining, got %d", st.Remaining())
	}
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	c := newTestCache(t, newTestClient(t))
	ctx := context.Background()
	key := quota.Key{CallerID: "c1", Period: 2}

	_ = c.Seed(ctx, key, 100, 0)
	_, _, _ = c.Reserve(ctx, key, 60)
	_ = c.Seed(ctx, key, 100, 0)

	st, _ := c.Get(ctx, key)
	if st.Reserved != 60 {
		t.Fatalf("expected reservation to survive reseed, got %+v", st)
	}
}

func TestConcurrentReserve(t *testing.T) {
	client := newTestClient(t)
	c := newTestCache(t, client)
	ctx := context.Background()
	key := quota.Key{CallerID: "c1", Period: 1}
	_ = c.Seed(ctx, key, 1000, 0)

	var success atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, err := c.Reserve(ctx, key, 100); err == nil && ok {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	if success.Load() != 10 {
		t.Fatalf("expected exactly 10 successful reservations, got %d", success.Load())
	}
}
