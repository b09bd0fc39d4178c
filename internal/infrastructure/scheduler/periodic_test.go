package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeriodic_InvalidInterval(t *testing.T) {
	_, err := NewPeriodic("x", 0, func(context.Context) {})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestPeriodic_RunsImmediatelyThenOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	p, err := NewPeriodic("counts", 2*time.Minute, func(context.Context) { runs.Add(1) }, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())

	clock.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 3, runs.Load())
}

func TestPeriodic_StartStopIdempotent(t *testing.T) {
	var runs atomic.Int32
	p, err := NewPeriodic("x", time.Hour, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.EqualValues(t, 1, runs.Load())
}

func TestPeriodic_StopWaitsForRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	p, err := NewPeriodic("slow", time.Hour, func(ctx context.Context) {
		close(started)
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	<-started

	timeout, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(timeout), context.DeadlineExceeded)

	close(release)
	require.Eventually(t, finished.Load, time.Second, time.Millisecond)
}
