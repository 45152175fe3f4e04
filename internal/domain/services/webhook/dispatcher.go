// Package webhook fans domain events out to subscribed HTTP endpoints through
// a durable outbox. Producers only insert rows; delivery happens on a worker.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// Envelope is the JSON body every endpoint receives.
type Envelope struct {
	ID        uuid.UUID             `json:"id"`
	Event     entities.WebhookEvent `json:"event"`
	CreatedAt time.Time             `json:"created_at"`
	Data      interface{}           `json:"data"`
}

// Dispatcher writes one queue row per endpoint for every event.
type Dispatcher struct {
	queue     repositories.WebhookQueueRepository
	endpoints []string
	clock     clockwork.Clock
	logger    *logger.Logger
}

func NewDispatcher(queue repositories.WebhookQueueRepository, endpoints []string, clock clockwork.Clock, log *logger.Logger) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{queue: queue, endpoints: endpoints, clock: clock, logger: log}
}

// Enqueue records the event for every endpoint. It does not wait on delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, event entities.WebhookEvent, data interface{}) error {
	if len(d.endpoints) == 0 {
		return nil
	}
	now := d.clock.Now().UTC()
	body, err := json.Marshal(Envelope{ID: uuid.New(), Event: event, CreatedAt: now, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s webhook: %w", event, err)
	}

	items := make([]*entities.WebhookQueueItem, 0, len(d.endpoints))
	for _, url := range d.endpoints {
		items = append(items, &entities.WebhookQueueItem{
			ID:          uuid.New(),
			URL:         url,
			EventType:   event,
			Payload:     body,
			Status:      entities.QueueStatusPending,
			NextRetryAt: now,
		})
	}
	if err := d.queue.Enqueue(ctx, items); err != nil {
		return fmt.Errorf("enqueue %s webhook: %w", event, err)
	}
	d.logger.Debug("Webhook queued", "event", event, "endpoints", len(items))
	return nil
}

// Notify enqueues and logs failures instead of returning them, for callers
// whose own work has already committed.
func (d *Dispatcher) Notify(ctx context.Context, event entities.WebhookEvent, data interface{}) {
	if d == nil {
		return
	}
	if err := d.Enqueue(ctx, event, data); err != nil {
		d.logger.Error("Failed to queue webhook", "event", event, "error", err)
	}
}
