package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

// SweepQueueRepository is the in-memory sweep retry queue.
type SweepQueueRepository struct{ s *Store }

func (r *SweepQueueRepository) Enqueue(_ context.Context, item *entities.SweepQueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.sweeps {
		if existing.DepositReference == item.DepositReference {
			return nil
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = entities.QueueStatusPending
	}
	now := time.Now().UTC()
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	item.CreatedAt, item.UpdatedAt = now, now
	cp := *item
	r.s.sweeps[item.ID] = &cp
	return nil
}

func (r *SweepQueueRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*entities.SweepQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*entities.SweepQueueItem
	for _, item := range r.s.sweeps {
		if item.Status == entities.QueueStatusPending && !item.NextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*entities.SweepQueueItem, 0, len(due))
	for _, item := range due {
		item.Status = entities.QueueStatusProcessing
		item.UpdatedAt = now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (r *SweepQueueRepository) update(id uuid.UUID, fn func(*entities.SweepQueueItem) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.sweeps[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if err := fn(item); err != nil {
		return err
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *SweepQueueRepository) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return r.update(id, func(i *entities.SweepQueueItem) error {
		i.Status = entities.QueueStatusCompleted
		i.LastError = nil
		return nil
	})
}

func (r *SweepQueueRepository) Reschedule(_ context.Context, id uuid.UUID, next time.Time, gasTx *string, reason string) error {
	return r.update(id, func(i *entities.SweepQueueItem) error {
		i.Status = entities.QueueStatusPending
		i.NextRetryAt = next
		if gasTx != nil {
			i.GasFundingTxHash = gasTx
		}
		i.LastError = &reason
		return nil
	})
}

func (r *SweepQueueRepository) RecordFailure(_ context.Context, id uuid.UUID, retryCount int, next time.Time, lastError string) error {
	return r.update(id, func(i *entities.SweepQueueItem) error {
		i.Status = entities.QueueStatusPending
		i.RetryCount = retryCount
		i.NextRetryAt = next
		i.LastError = &lastError
		return nil
	})
}

func (r *SweepQueueRepository) MarkFailed(_ context.Context, id uuid.UUID, retryCount int, lastError string) error {
	return r.update(id, func(i *entities.SweepQueueItem) error {
		i.Status = entities.QueueStatusFailed
		i.RetryCount = retryCount
		i.LastError = &lastError
		return nil
	})
}

func (r *SweepQueueRepository) GetByID(_ context.Context, id uuid.UUID) (*entities.SweepQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.sweeps[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *SweepQueueRepository) ListByStatus(_ context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.SweepQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entities.SweepQueueItem
	for _, item := range r.s.sweeps {
		if item.Status == status {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *SweepQueueRepository) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.update(id, func(i *entities.SweepQueueItem) error {
		if i.Status != entities.QueueStatusFailed {
			return apperrors.ErrConflict
		}
		i.Status = entities.QueueStatusPending
		i.RetryCount = 0
		i.NextRetryAt = now
		return nil
	})
}

func (r *SweepQueueRepository) ResetStale(_ context.Context, staleBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, item := range r.s.sweeps {
		if item.Status == entities.QueueStatusProcessing && item.UpdatedAt.Before(staleBefore) {
			item.Status = entities.QueueStatusPending
			n++
		}
	}
	return n, nil
}

func (r *SweepQueueRepository) Stats(context.Context) (entities.QueueStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := entities.QueueStats{}
	for _, item := range r.s.sweeps {
		stats[item.Status]++
	}
	return stats, nil
}

// WebhookQueueRepository is the in-memory webhook outbox.
type WebhookQueueRepository struct{ s *Store }

func (r *WebhookQueueRepository) Enqueue(_ context.Context, items []*entities.WebhookQueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
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
		cp := *item
		r.s.webhooks[item.ID] = &cp
	}
	return nil
}

func (r *WebhookQueueRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*entities.WebhookQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*entities.WebhookQueueItem
	for _, item := range r.s.webhooks {
		if item.Status == entities.QueueStatusPending && !item.NextRetryAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*entities.WebhookQueueItem, 0, len(due))
	for _, item := range due {
		item.Status = entities.QueueStatusProcessing
		item.UpdatedAt = now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (r *WebhookQueueRepository) update(id uuid.UUID, fn func(*entities.WebhookQueueItem) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.webhooks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if err := fn(item); err != nil {
		return err
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *WebhookQueueRepository) MarkDelivered(_ context.Context, id uuid.UUID, statusCode int) error {
	return r.update(id, func(i *entities.WebhookQueueItem) error {
		i.Status = entities.QueueStatusCompleted
		i.Attempts++
		i.LastStatusCode = &statusCode
		i.LastError = nil
		return nil
	})
}

func (r *WebhookQueueRepository) RecordFailure(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastError string, statusCode *int) error {
	return r.update(id, func(i *entities.WebhookQueueItem) error {
		i.Status = entities.QueueStatusPending
		i.Attempts = attempts
		i.NextRetryAt = next
		i.LastError = &lastError
		i.LastStatusCode = statusCode
		return nil
	})
}

func (r *WebhookQueueRepository) MarkFailed(_ context.Context, id uuid.UUID, attempts int, lastError string, statusCode *int) error {
	return r.update(id, func(i *entities.WebhookQueueItem) error {
		i.Status = entities.QueueStatusFailed
		i.Attempts = attempts
		i.LastError = &lastError
		i.LastStatusCode = statusCode
		return nil
	})
}

func (r *WebhookQueueRepository) ListByStatus(_ context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.WebhookQueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entities.WebhookQueueItem
	for _, item := range r.s.webhooks {
		if item.Status == status {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *WebhookQueueRepository) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.update(id, func(i *entities.WebhookQueueItem) error {
		if i.Status != entities.QueueStatusFailed {
			return apperrors.ErrConflict
		}
		i.Status = entities.QueueStatusPending
		i.Attempts = 0
		i.NextRetryAt = now
		return nil
	})
}

func (r *WebhookQueueRepository) ResetStale(_ context.Context, staleBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, item := range r.s.webhooks {
		if item.Status == entities.QueueStatusProcessing && item.UpdatedAt.Before(staleBefore) {
			item.Status = entities.QueueStatusPending
			n++
		}
	}
	return n, nil
}

func (r *WebhookQueueRepository) Stats(context.Context) (entities.QueueStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := entities.QueueStats{}
	for _, item := range r.s.webhooks {
		stats[item.Status]++
	}
	return stats, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
