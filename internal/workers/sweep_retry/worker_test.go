package sweep_retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/services/sweep"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

type fakeProcessor struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (p *fakeProcessor) ProcessRetries(context.Context) (sweep.RetryStats, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return sweep.RetryStats{}, errors.New("queue unavailable")
	}
	return sweep.RetryStats{Claimed: 2, Completed: 1, Deferred: 1}, nil
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestWorker_RetriesOnEachInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &fakeProcessor{}
	p.fail.Store(true)
	w := NewWorker(p, 30*time.Second, logger.NewNop(), scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A failed pass leaves the loop running.
	p.fail.Store(false)
	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return p.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(29 * time.Second)
	assert.Never(t, func() bool { return p.calls.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return p.calls.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestWorker_DefaultsInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &fakeProcessor{}
	w := NewWorker(p, 0, logger.NewNop(), scheduler.WithClock(clock), scheduler.WithImmediateRun(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_SkipsWhileLeaseHeldElsewhere(t *testing.T) {
	p := &fakeProcessor{}
	w := NewWorker(p, time.Minute, logger.NewNop(), scheduler.WithLease(heldLease{}, time.Minute))

	w.RunOnce(context.Background())
	assert.Zero(t, p.calls.Load())
}
