package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
)

const sweepQueueColumns = `id, wallet_id, token, amount, deposit_reference, status, retry_count, next_retry_at, last_error, gas_funding_tx_hash, created_at, updated_at`

// SweepQueueRepository persists sweeps awaiting retry
type SweepQueueRepository struct {
	db *sqlx.DB
}

func NewSweepQueueRepository(db *sqlx.DB) *SweepQueueRepository {
	return &SweepQueueRepository{db: db}
}

// Enqueue inserts a pending item. A deposit already queued is left untouched.
func (r *SweepQueueRepository) Enqueue(ctx context.Context, item *entities.SweepQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	if item.Status == "" {
		item.Status = entities.QueueStatusPending
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}

	query := `
		INSERT INTO sweep_queue (` + sweepQueueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (deposit_reference) DO NOTHING`

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		item.ID, item.WalletID, item.Token, item.Amount, item.DepositReference, item.Status,
		item.RetryCount, item.NextRetryAt, item.LastError, item.GasFundingTxHash, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue sweep: %w", err)
	}
	return nil
}

// ClaimDue atomically moves due pending items to processing
func (r *SweepQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.SweepQueueItem, error) {
	query := `
		UPDATE sweep_queue SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM sweep_queue
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sweepQueueColumns

	var items []*entities.SweepQueueItem
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &items, query, now, limit); err != nil {
		return nil, fmt.Errorf("claim due sweeps: %w", err)
	}
	return items, nil
}

func (r *SweepQueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sweep_queue SET status = 'completed', last_error = NULL, updated_at = NOW() WHERE id = $1`
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("complete sweep: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

// Reschedule puts the item back to pending without touching retry_count
func (r *SweepQueueRepository) Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, gasFundingTxHash *string, reason string) error {
	query := `
		UPDATE sweep_queue
		SET status = 'pending', next_retry_at = $1,
		    gas_funding_tx_hash = COALESCE($2, gas_funding_tx_hash),
		    last_error = $3, updated_at = NOW()
		WHERE id = $4`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, nextRetryAt, gasFundingTxHash, reason, id)
	if err != nil {
		return fmt.Errorf("reschedule sweep: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *SweepQueueRepository) RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError string) error {
	query := `
		UPDATE sweep_queue
		SET status = 'pending', retry_count = $1, next_retry_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, retryCount, nextRetryAt, lastError, id)
	if err != nil {
		return fmt.Errorf("record sweep failure: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *SweepQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	query := `
		UPDATE sweep_queue
		SET status = 'failed', retry_count = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, retryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("fail sweep: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *SweepQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.SweepQueueItem, error) {
	var item entities.SweepQueueItem
	query := `SELECT ` + sweepQueueColumns + ` FROM sweep_queue WHERE id = $1`
	if err := database.Conn(ctx, r.db).GetContext(ctx, &item, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get sweep item: %w", err)
	}
	return &item, nil
}

func (r *SweepQueueRepository) ListByStatus(ctx context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.SweepQueueItem, error) {
	query := `
		SELECT ` + sweepQueueColumns + `
		FROM sweep_queue WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`

	var items []*entities.SweepQueueItem
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &items, query, status, limit, offset); err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	return items, nil
}

// Requeue gives a permanently failed item a fresh retry budget
func (r *SweepQueueRepository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE sweep_queue
		SET status = 'pending', retry_count = 0, next_retry_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'failed'`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("requeue sweep: %w", err)
	}
	return requireRow(res, fmt.Errorf("sweep %s is not failed: %w", id, apperrors.ErrConflict))
}

// ResetStale returns items abandoned in processing to pending
func (r *SweepQueueRepository) ResetStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	query := `
		UPDATE sweep_queue SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stale sweeps: %w", err)
	}
	return res.RowsAffected()
}

func (r *SweepQueueRepository) Stats(ctx context.Context) (entities.QueueStats, error) {
	return queueStats(ctx, database.Conn(ctx, r.db), "sweep_queue")
}

func queueStats(ctx context.Context, conn database.Querier, table string) (entities.QueueStats, error) {
	var rows []struct {
		Status entities.QueueStatus `db:"status"`
		Count  int64                `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM ` + table + ` GROUP BY status`
	if err := conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("%s stats: %w", table, err)
	}
	stats := entities.QueueStats{}
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}
