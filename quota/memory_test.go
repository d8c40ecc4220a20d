package quota_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/quota"
)

func TestMemoryCache_ReserveRequiresSeed(t *testing.T) {
	c := quota.NewMemoryCache()
	_, _, err := c.Reserve(context.Background(), quota.Key{CallerID: "x", Period: 1}, 1)
	assert.ErrorIs(t, err, quota.ErrNotCached)
}

func TestMemoryCache_SeedIsSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	c := quota.NewMemoryCache()
	key := quota.Key{CallerID: "a", Period: 1}

	require.NoError(t, c.Seed(ctx, key, 100, 10))
	ok, _, err := c.Reserve(ctx, key, 30)
	require.NoError(t, err)
	require.True(t, ok)

	// A late seed must not wipe the live reservation.
	require.NoError(t, c.Seed(ctx, key, 100, 0))
	st, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, tokengate.QuotaState{Granted: 100, Used: 10, Reserved: 30}, st)
}

func TestMemoryCache_SettleClampsReserved(t *testing.T) {
	ctx := context.Background()
	c := quota.NewMemoryCache()
	key := quota.Key{CallerID: "a", Period: 1}
	require.NoError(t, c.Seed(ctx, key, 100, 0))

	require.NoError(t, c.Settle(ctx, key, 50, 20))
	st, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Reserved)
	assert.Equal(t, int64(20), st.Used)
}

func TestMemoryCache_ExactFit(t *testing.T) {
	ctx := context.Background()
	c := quota.NewMemoryCache()
	key := quota.Key{CallerID: "a", Period: 1}
	require.NoError(t, c.Seed(ctx, key, 100, 0))

	ok, remaining, err := c.Reserve(ctx, key, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), remaining)

	ok, remaining, err = c.Reserve(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), remaining)
}
