package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTick(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not happen")
	}
}

func TestLoop_TicksOnVirtualClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan struct{}, 10)
	loop := New("test", time.Minute, func(ctx context.Context) {
		ticks <- struct{}{}
	}, WithClock(clock), WithImmediateRun(false))

	ctx := context.Background()
	require.NoError(t, loop.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(time.Minute)
	waitTick(t, ticks)

	clock.Advance(time.Minute)
	waitTick(t, ticks)

	require.NoError(t, loop.Stop(ctx))
	assert.False(t, loop.Running())

	clock.Advance(time.Minute)
	select {
	case <-ticks:
		t.Fatal("loop ticked after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoop_RunsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan struct{}, 1)
	loop := New("immediate", time.Hour, func(ctx context.Context) {
		ticks <- struct{}{}
	}, WithClock(clock))

	require.NoError(t, loop.Start(context.Background()))
	waitTick(t, ticks)
	require.NoError(t, loop.Stop(context.Background()))
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	loop := New("cancel", time.Minute, func(ctx context.Context) {}, WithClock(clock), WithImmediateRun(false))

	require.NoError(t, loop.Start(ctx))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, loop.Stop(stopCtx))
}

func TestLoop_DoubleStart(t *testing.T) {
	loop := New("double", time.Minute, func(ctx context.Context) {}, WithClock(clockwork.NewFakeClock()), WithImmediateRun(false))
	require.NoError(t, loop.Start(context.Background()))
	assert.Error(t, loop.Start(context.Background()))
	require.NoError(t, loop.Stop(context.Background()))
}

type stubLease struct {
	ok       bool
	err      error
	released int32
}

func (s *stubLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if s.err != nil || !s.ok {
		return nil, s.ok, s.err
	}
	return func() { atomic.AddInt32(&s.released, 1) }, true, nil
}

func TestLoop_RunOnceHonoursLease(t *testing.T) {
	var calls int32
	task := func(ctx context.Context) { atomic.AddInt32(&calls, 1) }

	held := &stubLease{ok: false}
	New("held", time.Minute, task, WithLease(held, time.Minute)).RunOnce(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	broken := &stubLease{err: errors.New("redis down")}
	New("broken", time.Minute, task, WithLease(broken, time.Minute)).RunOnce(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	free := &stubLease{ok: true}
	New("free", time.Minute, task, WithLease(free, time.Minute)).RunOnce(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&free.released))
}

func TestLoop_RecoversFromPanic(t *testing.T) {
	loop := New("panic", time.Minute, func(ctx context.Context) { panic("boom") })
	assert.NotPanics(t, func() { loop.RunOnce(context.Background()) })
}

func TestSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), clock, time.Second) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	assert.NoError(t, <-done)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	assert.Error(t, Sleep(cctx, clock, time.Second))
}

func TestLoop_StopWaitsForInFlightTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	started := make(chan struct{})
	release := make(chan struct{})
	loop := New("slow", time.Minute, func(ctx context.Context) {
		close(started)
		<-release
	}, WithClock(clock))

	require.NoError(t, loop.Start(context.Background()))
	waitTick(t, started)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Stop(short), context.DeadlineExceeded)
	assert.False(t, loop.Running())

	close(release)
	assert.NoError(t, loop.Stop(context.Background()), "second stop is a no-op")
}

func TestLoop_LeaseCheckedOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ticks := make(chan struct{}, 10)
	lease := &stubLease{ok: false}
	loop := New("leased", time.Minute, func(ctx context.Context) {
		ticks <- struct{}{}
	}, WithClock(clock), WithImmediateRun(false), WithLease(lease, time.Minute))

	ctx := context.Background()
	require.NoError(t, loop.Start(ctx))
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(time.Minute)
	select {
	case <-ticks:
		t.Fatal("ticked while lease held elsewhere")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, loop.Stop(ctx))

	free := &stubLease{ok: true}
	loop = New("leased", time.Minute, func(ctx context.Context) {
		ticks <- struct{}{}
	}, WithClock(clock), WithImmediateRun(false), WithLease(free, time.Minute))
	require.NoError(t, loop.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(time.Minute)
	waitTick(t, ticks)
	require.NoError(t, loop.Stop(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&free.released))
}
