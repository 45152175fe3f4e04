package chain_watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/scheduler"
)

// Scanner discovers new deposits on one chain.
type Scanner interface {
	Tick(ctx context.Context) error
}

// Confirmer advances confirmation counts and credits settled deposits.
type Confirmer interface {
	Tick(ctx context.Context) (int, error)
}

// Config holds worker configuration
type Config struct {
	PollInterval    time.Duration
	ConfirmInterval time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:    15 * time.Second,
		ConfirmInterval: 30 * time.Second,
	}
}

// Worker runs the scan and confirmation loops of one chain. The two loops
// are independent so a slow provider on one side does not starve the other.
type Worker struct {
	chain       entities.Chain
	scanLoop    *scheduler.Loop
	confirmLoop *scheduler.Loop
	logger      *logger.Logger
}

// NewWorker creates a new chain watcher worker
func NewWorker(chain entities.Chain, scanner Scanner, confirmer Confirmer, cfg Config, log *logger.Logger, opts ...scheduler.Option) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = def.ConfirmInterval
	}
	log = log.With("chain", string(chain))
	opts = append([]scheduler.Option{scheduler.WithLogger(log)}, opts...)

	w := &Worker{chain: chain, logger: log}
	w.scanLoop = scheduler.New("chain_watcher:"+string(chain), cfg.PollInterval, func(ctx context.Context) {
		if err := scanner.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Watcher tick failed", "error", err)
		}
	}, opts...)
	w.confirmLoop = scheduler.New("confirmation_tracker:"+string(chain), cfg.ConfirmInterval, func(ctx context.Context) {
		credited, err := confirmer.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Confirmation tick failed", "error", err)
			return
		}
		if credited > 0 {
			log.Info("Deposits credited", "count", credited)
		}
	}, opts...)
	return w
}

// Chain returns the chain this worker watches.
func (w *Worker) Chain() entities.Chain {
	return w.chain
}

// Start begins both loops
func (w *Worker) Start(ctx context.Context) error {
	if err := w.scanLoop.Start(ctx); err != nil {
		return err
	}
	if err := w.confirmLoop.Start(ctx); err != nil {
		_ = w.scanLoop.Stop(ctx)
		return err
	}
	w.logger.Info("Chain watcher started")
	return nil
}

// Stop stops both loops and waits for in-flight ticks
func (w *Worker) Stop(ctx context.Context) error {
	return errors.Join(w.scanLoop.Stop(ctx), w.confirmLoop.Stop(ctx))
}

// Running reports whether both loops are active.
func (w *Worker) Running() bool {
	return w.scanLoop.Running() && w.confirmLoop.Running()
}
