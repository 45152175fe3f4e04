package sweep_retry

import (
	"context"
	"time"

	"github.com/rail-service/settlement_core/internal/domain/services/sweep"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

// Processor drains due sweep queue items.
type Processor interface {
	ProcessRetries(ctx context.Context) (sweep.RetryStats, error)
}

// Worker retries deferred and failed sweeps on a fixed interval.
type Worker struct {
	processor Processor
	loop      *scheduler.Loop
	logger    *logger.Logger
}

// NewWorker creates a new sweep retry worker
func NewWorker(processor Processor, interval time.Duration, log *logger.Logger, opts ...scheduler.Option) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	w := &Worker{processor: processor, logger: log}
	opts = append([]scheduler.Option{scheduler.WithLogger(log)}, opts...)
	w.loop = scheduler.New("sweep_retry", interval, w.tick, opts...)
	return w
}

func (w *Worker) tick(ctx context.Context) {
	stats, err := w.processor.ProcessRetries(ctx)
	if err != nil {
		w.logger.Error("Sweep retry pass failed", "error", err)
		return
	}
	if stats.Claimed == 0 {
		return
	}
	w.logger.Info("Sweep retry pass complete",
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"deferred", stats.Deferred,
		"failed", stats.Failed,
		"exhausted", stats.Exhausted)
}

// Start begins the retry loop
func (w *Worker) Start(ctx context.Context) error {
	return w.loop.Start(ctx)
}

// Stop stops the worker
func (w *Worker) Stop(ctx context.Context) error {
	return w.loop.Stop(ctx)
}

// RunOnce executes one pass synchronously.
func (w *Worker) RunOnce(ctx context.Context) {
	w.loop.RunOnce(ctx)
}
