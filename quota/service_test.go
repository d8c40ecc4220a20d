package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/quota"
)

type fakeStore struct {
	mu      sync.Mutex
	granted map[string]int64
	used    map[quota.Key]int64
	loads   atomic.Int64
	delay   time.Duration
}

func newFakeStore(grants map[string]int64) *fakeStore {
	return &fakeStore{granted: grants, used: make(map[quota.Key]int64)}
}

func (f *fakeStore) LoadQuota(ctx context.Context, callerID string, period int) (int64, int64, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.granted[callerID]
	if !ok {
		return 0, 0, tokengate.ErrCallerNotFound
	}
	return g, f.used[quota.Key{CallerID: callerID, Period: period}], nil
}

func (f *fakeStore) SaveUsage(_ context.Context, callerID string, period int, used int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := quota.Key{CallerID: callerID, Period: period}
	if used > f.used[k] {
		f.used[k] = used
	}
	return nil
}

func (f *fakeStore) usedFor(callerID string, period int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[quota.Key{CallerID: callerID, Period: period}]
}

func TestReserve_DeniedWithRemaining(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	store.used[quota.Key{CallerID: "c1", Period: 1}] = 950
	svc := quota.NewService(quota.NewMemoryCache(), store)

	_, err := svc.Reserve(context.Background(), "c1", 1, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, tokengate.ErrQuotaExceeded)

	var qe *tokengate.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(50), qe.Remaining)
	assert.Equal(t, int64(100), qe.Requested)
}

func TestReserve_ConcurrentOnlyOneFits(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	svc := quota.NewService(quota.NewMemoryCache(), store)

	var ok, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), "c1", 1, 600); err == nil {
				ok.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(1), denied.Load())
}

func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 10_000})
	svc := quota.NewService(quota.NewMemoryCache(), store)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Reserve(context.Background(), "c1", 1, 137)
			if err == nil {
				granted.Add(res.Amount)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted.Load(), int64(10_000))
	st, err := svc.Usage(context.Background(), "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, granted.Load(), st.Reserved)
}

func TestReserve_LoadsOncePerKey(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1_000_000})
	store.delay = 20 * time.Millisecond
	svc := quota.NewService(quota.NewMemoryCache(), store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), "c1", 1, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.loads.Load())
}

func TestReserve_UnknownCaller(t *testing.T) {
	svc := quota.NewService(quota.NewMemoryCache(), newFakeStore(nil))

	_, err := svc.Reserve(context.Background(), "ghost", 1, 10)
	assert.ErrorIs(t, err, tokengate.ErrCallerNotFound)
}

func TestReconcileAndRelease(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	svc := quota.NewService(quota.NewMemoryCache(), store)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "c1", 2, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Remaining)

	require.NoError(t, svc.Reconcile(ctx, res, 120))
	st, err := svc.Usage(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, tokengate.QuotaState{Granted: 1000, Used: 120}, st)

	res, err = svc.Reserve(ctx, "c1", 2, 500)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, res))
	st, err = svc.Usage(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(880), st.Remaining())
}

func TestSync_WritesDirtyUsage(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	svc := quota.NewService(quota.NewMemoryCache(), store)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "c1", 3, 100)
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx, res, 75))
	assert.Equal(t, int64(0), store.usedFor("c1", 3))

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, int64(75), store.usedFor("c1", 3))
}

func TestSync_PrunesOldPeriods(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	cache := quota.NewMemoryCache()
	period := atomic.Int64{}
	period.Store(1)
	svc := quota.NewService(cache, store, quota.WithCurrentPeriod(func() int { return int(period.Load()) }))
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "c1", 1, 100)
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx, res, 100))

	period.Store(2)
	require.NoError(t, svc.Sync(ctx))
	_, err = cache.Get(ctx, quota.Key{CallerID: "c1", Period: 1})
	require.NoError(t, err, "previous period stays cached across rollover")

	period.Store(3)
	require.NoError(t, svc.Sync(ctx))
	_, err = cache.Get(ctx, quota.Key{CallerID: "c1", Period: 1})
	assert.ErrorIs(t, err, quota.ErrNotCached)
	assert.Equal(t, int64(100), store.usedFor("c1", 1))
}

func TestReconcile_AfterEntryPrunedStillCounts(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	cache := quota.NewMemoryCache()
	period := atomic.Int64{}
	period.Store(1)
	svc := quota.NewService(cache, store, quota.WithCurrentPeriod(func() int { return int(period.Load()) }))
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "c1", 1, 100)
	require.NoError(t, err)

	// The request outlives two rollovers and its entry is pruned.
	period.Store(3)
	require.NoError(t, svc.Sync(ctx))
	_, err = cache.Get(ctx, quota.Key{CallerID: "c1", Period: 1})
	require.ErrorIs(t, err, quota.ErrNotCached)

	require.NoError(t, svc.Reconcile(ctx, res, 60))
	st, err := cache.Get(ctx, quota.Key{CallerID: "c1", Period: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(60), st.Used)
	assert.Zero(t, st.Reserved)

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, int64(60), store.usedFor("c1", 1))
}

func TestRelease_AfterEntryPrunedIsNoop(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	cache := quota.NewMemoryCache()
	svc := quota.NewService(cache, store, quota.WithCurrentPeriod(func() int { return 5 }))
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "c1", 1, 100)
	require.NoError(t, err)
	require.NoError(t, svc.Sync(ctx))

	assert.NoError(t, svc.Release(ctx, res))
}

func TestStartStop_PeriodicSync(t *testing.T) {
	store := newFakeStore(map[string]int64{"c1": 1000})
	svc := quota.NewService(quota.NewMemoryCache(), store, quota.WithSyncInterval(10*time.Millisecond))
	ctx := context.Background()

	svc.Start(ctx)
	res, err := svc.Reserve(ctx, "c1", 1, 50)
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx, res, 40))

	assert.Eventually(t, func() bool { return store.usedFor("c1", 1) == 40 }, time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop(ctx))
}
