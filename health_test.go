package tokengate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tg "github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/provider/mock"
)

func TestHealthTracker_ProbeThreshold(t *testing.T) {
	ht := tg.NewHealthTracker(tg.WithProbeFailureThreshold(2))
	ht.Register("p")
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("p"))

	ht.RecordProbe("p", errors.New("timeout"))
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("p"))
	ht.RecordProbe("p", errors.New("timeout"))
	assert.Equal(t, tg.HealthUnhealthy, ht.GetHealth("p"))

	rec, ok := ht.Record("p")
	require.True(t, ok)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
	assert.Equal(t, "timeout", rec.LastError)

	ht.RecordProbe("p", nil)
	rec, _ = ht.Record("p")
	assert.Equal(t, tg.HealthHealthy, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Empty(t, rec.LastError)
}

func TestHealthTracker_MarkUnhealthyWaitsForProbe(t *testing.T) {
	ht := tg.NewHealthTracker()
	ht.MarkUnhealthy("p", tg.ErrProviderAuth)
	assert.Equal(t, tg.HealthUnhealthy, ht.GetHealth("p"))

	// Registering again keeps the existing record.
	ht.Register("p")
	assert.Equal(t, tg.HealthUnhealthy, ht.GetHealth("p"))

	ht.RecordProbe("p", nil)
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("p"))
}

func TestHealthTracker_UnknownIsHealthy(t *testing.T) {
	ht := tg.NewHealthTracker()
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("nobody"))
	_, ok := ht.Record("nobody")
	assert.False(t, ok)
}

func TestHealthTracker_SnapshotSorted(t *testing.T) {
	ht := tg.NewHealthTracker()
	ht.Register("b")
	ht.Register("a")
	ht.MarkUnhealthy("c", nil)

	snap := ht.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Provider)
	assert.Equal(t, "c", snap[2].Provider)
	assert.Equal(t, tg.HealthUnhealthy, snap[2].State)
}

func TestHealthChecker_CheckAll(t *testing.T) {
	good := mock.New(mock.WithName("good"))
	bad := mock.New(mock.WithName("bad"), mock.WithHealthError(errors.New("refused")))
	ht := tg.NewHealthTracker(tg.WithProbeFailureThreshold(1))
	c := tg.NewHealthChecker([]tg.Provider{good, bad}, ht)

	c.CheckAll(context.Background())
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("good"))
	assert.Equal(t, tg.HealthUnhealthy, ht.GetHealth("bad"))

	bad.SetHealthError(nil)
	c.CheckAll(context.Background())
	assert.Equal(t, tg.HealthHealthy, ht.GetHealth("bad"))
}

func TestHealthChecker_StartStop(t *testing.T) {
	p := mock.New()
	ht := tg.NewHealthTracker()
	c := tg.NewHealthChecker([]tg.Provider{p}, ht, tg.WithCheckInterval(5*time.Millisecond))

	c.Start(context.Background())
	assert.Eventually(t, func() bool { return p.ProbeCount() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()

	n := p.ProbeCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, p.ProbeCount())
}
