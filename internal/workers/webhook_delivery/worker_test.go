package webhook_delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

type fakeDeliverer struct {
	calls atomic.Int32
	err   error
}

func (d *fakeDeliverer) DeliverDue(context.Context) (int, error) {
	d.calls.Add(1)
	return 3, d.err
}

func TestWorker_DeliversOnDefaultInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDeliverer{}
	w := NewWorker(d, 0, logger.NewNop(), scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return d.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return d.calls.Load() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_KeepsRunningAfterFailedPass(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDeliverer{err: errors.New("db down")}
	w := NewWorker(d, 10*time.Second, logger.NewNop(), scheduler.WithClock(clock), scheduler.WithImmediateRun(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return d.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return d.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, w.Stop(stopCtx))
}
