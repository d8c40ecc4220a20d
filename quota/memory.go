package quota

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ineyio/tokengate"
)

// maxCASAttempts bounds the compare-and-swap loop under contention.
const maxCASAttempts = 64

// MemoryCache is an in-process Cache. Each key holds an immutable state
// value swapped with compare-and-swap, so reservations never take a lock.
// It is only consistent within one process; use the Redis cache for
// multi-instance deployments.
type MemoryCache struct {
	entries sync.Map // Key -> *atomic.Pointer[tokengate.QuotaState]
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) slot(key Key) (*atomic.Pointer[tokengate.QuotaState], bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*atomic.Pointer[tokengate.QuotaState]), true
}

// Seed stores state for key unless the key is already present.
func (c *MemoryCache) Seed(_ context.Context, key Key, granted, used int64) error {
	p := &atomic.Pointer[tokengate.QuotaState]{}
	p.Store(&tokengate.QuotaState{Granted: granted, Used: used})
	c.entries.LoadOrStore(key, p)
	return nil
}

// update applies fn to the current state until the swap wins or the retry
// budget is spent. fn returns false to abort without writing.
func (c *MemoryCache) update(key Key, fn func(cur tokengate.QuotaState) (tokengate.QuotaState, bool)) (tokengate.QuotaState, bool, error) {
	p, ok := c.slot(key)
	if !ok {
		return tokengate.QuotaState{}, false, ErrNotCached
	}
	for i := 0; i < maxCASAttempts; i++ {
		cur := p.Load()
		next, apply := fn(*cur)
		if !apply {
			return *cur, false, nil
		}
		if p.CompareAndSwap(cur, &next) {
			return next, true, nil
		}
	}
	return tokengate.QuotaState{}, false, tokengate.ErrQuotaContention
}

// Reserve adds n to reserved if the remaining budget covers it.
func (c *MemoryCache) Reserve(_ context.Context, key Key, n int64) (bool, int64, error) {
	st, ok, err := c.update(key, func(cur tokengate.QuotaState) (tokengate.QuotaState, bool) {
		if cur.Granted-cur.Used-cur.Reserved < n {
			return cur, false
		}
		cur.Reserved += n
		return cur, true
	})
	if err != nil {
		return false, 0, err
	}
	return ok, st.Remaining(), nil
}

// Settle moves a reservation into used.
func (c *MemoryCache) Settle(_ context.Context, key Key, reserved, actual int64) error {
	_, _, err := c.update(key, func(cur tokengate.QuotaState) (tokengate.QuotaState, bool) {
		cur.Reserved = max(cur.Reserved-reserved, 0)
		cur.Used += actual
		return cur, true
	})
	return err
}

// Release drops a reservation.
func (c *MemoryCache) Release(_ context.Context, key Key, reserved int64) error {
	_, _, err := c.update(key, func(cur tokengate.QuotaState) (tokengate.QuotaState, bool) {
		cur.Reserved = max(cur.Reserved-reserved, 0)
		return cur, true
	})
	return err
}

// Get returns the current state for key.
func (c *MemoryCache) Get(_ context.Context, key Key) (tokengate.QuotaState, error) {
	p, ok := c.slot(key)
	if !ok {
		return tokengate.QuotaState{}, ErrNotCached
	}
	return *p.Load(), nil
}

// Prune drops every key from periods before period.
func (c *MemoryCache) Prune(period int) int {
	var n int
	c.entries.Range(func(k, _ any) bool {
		if k.(Key).Period < period {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}
