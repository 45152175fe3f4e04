package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
)

const webhookQueueColumns = `id, url, event_type, payload, status, attempts, next_retry_at, last_error, last_status_code, created_at, updated_at`

// WebhookQueueRepository persists outbound webhook deliveries
type WebhookQueueRepository struct {
	db *sqlx.DB
}

func NewWebhookQueueRepository(db *sqlx.DB) *WebhookQueueRepository {
	return &WebhookQueueRepository{db: db}
}

// Enqueue inserts one pending delivery per item
func (r *WebhookQueueRepository) Enqueue(ctx context.Context, items []*entities.WebhookQueueItem) error {
	if len(items) == 0 {
		return nil
	}

	query := `
		INSERT INTO webhook_queue (` + webhookQueueColumns + `)
		VALUES (:id, :url, :event_type, :payload, :status, :attempts, :next_retry_at, :last_error, :last_status_code, :created_at, :updated_at)`

	now := time.Now().UTC()
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Status == "" {
			item.Status = entities.QueueStatusPending
		}
		if item.NextRetryAt.IsZero() {
			item.NextRetryAt = now
		}
		item.CreatedAt, item.UpdatedAt = now, now
	}

	if _, err := sqlx.NamedExecContext(ctx, database.Conn(ctx, r.db), query, items); err != nil {
		return fmt.Errorf("enqueue webhooks: %w", err)
	}
	return nil
}

func (r *WebhookQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.WebhookQueueItem, error) {
	query := `
		UPDATE webhook_queue SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_queue
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + webhookQueueColumns

	var items []*entities.WebhookQueueItem
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &items, query, now, limit); err != nil {
		return nil, fmt.Errorf("claim due webhooks: %w", err)
	}
	return items, nil
}

func (r *WebhookQueueRepository) MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int) error {
	query := `
		UPDATE webhook_queue
		SET status = 'completed', attempts = attempts + 1, last_status_code = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, statusCode, id)
	if err != nil {
		return fmt.Errorf("mark webhook delivered: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *WebhookQueueRepository) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string, statusCode *int) error {
	query := `
		UPDATE webhook_queue
		SET status = 'pending', attempts = $1, next_retry_at = $2, last_error = $3, last_status_code = $4, updated_at = NOW()
		WHERE id = $5`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, attempts, nextRetryAt, lastError, statusCode, id)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *WebhookQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, statusCode *int) error {
	query := `
		UPDATE webhook_queue
		SET status = 'failed', attempts = $1, last_error = $2, last_status_code = $3, updated_at = NOW()
		WHERE id = $4`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, attempts, lastError, statusCode, id)
	if err != nil {
		return fmt.Errorf("fail webhook: %w", err)
	}
	return requireRow(res, apperrors.ErrNotFound)
}

func (r *WebhookQueueRepository) ListByStatus(ctx context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.WebhookQueueItem, error) {
	query := `
		SELECT ` + webhookQueueColumns + `
		FROM webhook_queue WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`

	var items []*entities.WebhookQueueItem
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &items, query, status, limit, offset); err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return items, nil
}

func (r *WebhookQueueRepository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE webhook_queue
		SET status = 'pending', attempts = 0, next_retry_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'failed'`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("requeue webhook: %w", err)
	}
	return requireRow(res, fmt.Errorf("webhook %s is not failed: %w", id, apperrors.ErrConflict))
}

func (r *WebhookQueueRepository) ResetStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	query := `
		UPDATE webhook_queue SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stale webhooks: %w", err)
	}
	return res.RowsAffected()
}

func (r *WebhookQueueRepository) Stats(ctx context.Context) (entities.QueueStats, error) {
	return queueStats(ctx, database.Conn(ctx, r.db), "webhook_queue")
}
