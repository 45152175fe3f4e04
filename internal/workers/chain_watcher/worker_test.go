package chain_watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

type countingScanner struct{ n atomic.Int32 }

func (s *countingScanner) Tick(context.Context) error {
	s.n.Add(1)
	return errors.New("provider down")
}

type countingConfirmer struct{ n atomic.Int32 }

func (c *countingConfirmer) Tick(context.Context) (int, error) {
	c.n.Add(1)
	return 1, nil
}

func TestWorker_RunsBothLoopsIndependently(t *testing.T) {
	clock := clockwork.NewFakeClock()
	scanner := &countingScanner{}
	confirmer := &countingConfirmer{}

	w := NewWorker(entities.ChainTron, scanner, confirmer, Config{
		PollInterval:    10 * time.Second,
		ConfirmInterval: 30 * time.Second,
	}, logger.NewNop(), scheduler.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Running())

	// Both loops run once on start, then wait on their tickers.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.Eventually(t, func() bool { return scanner.n.Load() == 1 && confirmer.n.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return scanner.n.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), confirmer.n.Load())

	require.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.Running())
}
