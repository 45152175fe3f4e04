package queue_reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

// StaleResetter returns items stuck in processing since before staleBefore
// to the pending state.
type StaleResetter interface {
	ResetStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// Config holds worker configuration
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule   string
	StaleAfter time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{Schedule: "*/5 * * * *", StaleAfter: 15 * time.Minute}
}

// Worker recovers queue items whose claimer died mid-flight.
type Worker struct {
	queues map[string]StaleResetter
	cfg    Config
	cron   *cron.Cron
	clock  clockwork.Clock
	lease  scheduler.Lease
	logger *logger.Logger
}

// NewWorker creates a new queue reaper. queues maps a queue name to its repository.
func NewWorker(queues map[string]StaleResetter, cfg Config, lease scheduler.Lease, clock clockwork.Clock, log *logger.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		queues: queues,
		cfg:    cfg,
		cron:   cron.New(),
		clock:  clock,
		lease:  lease,
		logger: log,
	}
}

// Start registers the reaper on its cron schedule.
func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		w.Reap(ctx)
	})
	if err != nil {
		return fmt.Errorf("queue reaper schedule %q: %w", w.cfg.Schedule, err)
	}
	w.cron.Start()
	w.logger.Info("Queue reaper started", "schedule", w.cfg.Schedule, "stale_after", w.cfg.StaleAfter.String())
	return nil
}

// Stop waits for a running reap to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Queue reaper stopped")
}

// Reap resets stale items on every queue and returns the total reset.
func (w *Worker) Reap(ctx context.Context) int64 {
	if w.lease != nil {
		release, ok, err := w.lease.Acquire(ctx, "queue_reaper", time.Minute)
		if err != nil {
			w.logger.Warn("Failed to acquire reaper lease", "error", err)
			return 0
		}
		if !ok {
			return 0
		}
		defer release()
	}

	cutoff := w.clock.Now().UTC().Add(-w.cfg.StaleAfter)
	var total int64
	for name, q := range w.queues {
		n, err := q.ResetStale(ctx, cutoff)
		if err != nil {
			w.logger.Error("Failed to reset stale queue items", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			w.logger.Warn("Reset stale queue items", "queue", name, "count", n, "cutoff", cutoff.Format(time.RFC3339))
		}
		total += n
	}
	return total
}
