package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ineyio/tokengate/internal/schedule"
)

func TestTask_RunsOnIntervalUntilStopped(t *testing.T) {
	var calls atomic.Int64
	task := schedule.New("test", 10*time.Millisecond, func(context.Context) {
		calls.Add(1)
	})

	task.Start(context.Background())
	assert.True(t, task.Running())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	task.Stop()
	assert.False(t, task.Running())

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestTask_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	task := schedule.New("test", time.Hour, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}, schedule.WithRunOnStart())

	task.Start(context.Background())
	defer task.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestTask_StopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	task := schedule.New("test", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, schedule.WithRunOnStart())

	task.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		task.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running function")
	}
}

func TestTask_StopWithoutStartIsNoop(t *testing.T) {
	task := schedule.New("test", time.Second, func(context.Context) {})
	task.Stop()
	assert.False(t, task.Running())
}
