package webhook_delivery

import (
	"context"
	"time"

	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

// Deliverer posts due webhook queue items.
type Deliverer interface {
	DeliverDue(ctx context.Context) (int, error)
}

// Worker delivers queued webhooks.
type Worker struct {
	deliverer Deliverer
	loop      *scheduler.Loop
	logger    *logger.Logger
}

// NewWorker creates a new webhook delivery worker
func NewWorker(deliverer Deliverer, interval time.Duration, log *logger.Logger, opts ...scheduler.Option) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &Worker{deliverer: deliverer, logger: log}
	opts = append([]scheduler.Option{scheduler.WithLogger(log)}, opts...)
	w.loop = scheduler.New("webhook_delivery", interval, w.tick, opts...)
	return w
}

func (w *Worker) tick(ctx context.Context) {
	n, err := w.deliverer.DeliverDue(ctx)
	if err != nil {
		w.logger.Error("Webhook delivery pass failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("Webhook delivery pass complete", "processed", n)
	}
}

func (w *Worker) Start(ctx context.Context) error {
	return w.loop.Start(ctx)
}

func (w *Worker) Stop(ctx context.Context) error {
	return w.loop.Stop(ctx)
}

func (w *Worker) RunOnce(ctx context.Context) {
	w.loop.RunOnce(ctx)
}
