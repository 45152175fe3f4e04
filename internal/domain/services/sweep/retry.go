package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/pkg/metrics"
)

// RetryStats summarises one pass over the queue.
type RetryStats struct {
	Claimed   int
	Completed int
	Deferred  int
	Failed    int
	Exhausted int
}

// ProcessRetries claims due queue items and attempts each once. Deferred
// sweeps (gas pending) do not consume a retry; other failures back off
// until the policy ceiling, where the item becomes failed for operator review.
func (e *Engine) ProcessRetries(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	items, err := e.queue.ClaimDue(ctx, e.clock.Now().UTC(), e.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("claim sweeps: %w", err)
	}
	stats.Claimed = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		e.retryItem(ctx, item, &stats)
	}
	e.reportDepth(ctx)
	return stats, nil
}

func (e *Engine) retryItem(ctx context.Context, item *entities.SweepQueueItem, stats *RetryStats) {
	req := Request{
		WalletID:         item.WalletID,
		Currency:         item.Token,
		Amount:           item.Amount,
		DepositReference: item.DepositReference,
	}
	if item.GasFundingTxHash != nil {
		req.GasFundingTxHash = *item.GasFundingTxHash
	}

	_, err := e.Sweep(ctx, req)
	now := e.clock.Now().UTC()

	switch {
	case err == nil:
		stats.Completed++
		if mErr := e.queue.MarkCompleted(ctx, item.ID); mErr != nil {
			e.logger.Error("Failed to complete sweep item", "id", item.ID, "error", mErr)
		}

	case apperrors.IsSweepDeferred(err), errors.Is(err, apperrors.ErrSweepDisabled):
		stats.Deferred++
		var gasTx *string
		var pending *GasPendingError
		if errors.As(err, &pending) {
			gasTx = &pending.TxHash
		}
		if mErr := e.queue.Reschedule(ctx, item.ID, now.Add(e.cfg.GasPollInterval), gasTx, err.Error()); mErr != nil {
			e.logger.Error("Failed to reschedule sweep item", "id", item.ID, "error", mErr)
		}

	default:
		failures := item.RetryCount + 1
		if e.cfg.Policy.Exhausted(failures) || errors.Is(err, apperrors.ErrNothingToSweep) {
			stats.Exhausted++
			e.exhaust(ctx, item, failures, err)
			return
		}
		stats.Failed++
		next := e.cfg.Policy.NextAttempt(now, failures)
		e.logger.Warn("Sweep retry failed",
			"id", item.ID,
			"deposit_reference", item.DepositReference,
			"retry_count", failures,
			"next_retry_at", next,
			"error", err)
		if mErr := e.queue.RecordFailure(ctx, item.ID, failures, next, err.Error()); mErr != nil {
			e.logger.Error("Failed to record sweep failure", "id", item.ID, "error", mErr)
		}
	}
}

func (e *Engine) exhaust(ctx context.Context, item *entities.SweepQueueItem, failures int, cause error) {
	final := fmt.Errorf("%w: %v", apperrors.ErrPermanentSweepFailure, cause)
	if err := e.queue.MarkFailed(ctx, item.ID, failures, final.Error()); err != nil {
		e.logger.Error("Failed to mark sweep item failed", "id", item.ID, "error", err)
	}
	metrics.SweepsTotal.WithLabelValues(e.chainOf(ctx, item.WalletID), "exhausted").Inc()
	e.logger.Error("Sweep permanently failed",
		"id", item.ID,
		"deposit_reference", item.DepositReference,
		"retry_count", failures,
		"error", cause)
	e.alert(ctx, "Sweep permanently failed",
		fmt.Sprintf("Sweep of deposit %s (%s %s) failed after %d attempts: %v. The user balance is unaffected; requeue after resolving.",
			item.DepositReference, item.Amount, item.Token, failures, cause))
	if e.notifier != nil {
		e.notifier.Notify(ctx, entities.WebhookEventSweepFailed, item)
	}
}

func (e *Engine) chainOf(ctx context.Context, walletID uuid.UUID) string {
	if w, err := e.wallets.GetByID(ctx, walletID); err == nil {
		return string(w.Chain)
	}
	return "unknown"
}

func (e *Engine) reportDepth(ctx context.Context) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return
	}
	for _, status := range []entities.QueueStatus{
		entities.QueueStatusPending, entities.QueueStatusProcessing,
		entities.QueueStatusCompleted, entities.QueueStatusFailed,
	} {
		metrics.SweepQueueDepth.WithLabelValues(string(status)).Set(float64(stats[status]))
	}
}

// ListFailed returns queue items awaiting operator action.
func (e *Engine) ListFailed(ctx context.Context, limit, offset int) ([]*entities.SweepQueueItem, error) {
	return e.queue.ListByStatus(ctx, entities.QueueStatusFailed, limit, offset)
}

// Requeue returns a failed item to pending with a fresh retry budget.
func (e *Engine) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := e.queue.Requeue(ctx, id, e.clock.Now().UTC()); err != nil {
		return fmt.Errorf("requeue sweep %s: %w", id, err)
	}
	e.logger.Info("Sweep requeued by operator", "id", id)
	return nil
}
