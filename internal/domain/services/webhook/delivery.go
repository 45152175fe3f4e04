package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/retry"
	"github.com/rail-service/settlement_core/pkg/security"
	sig "github.com/rail-service/settlement_core/pkg/webhook"
)

// DeliveryConfig controls the delivery worker.
type DeliveryConfig struct {
	Secret    string
	BatchSize int
	Timeout   time.Duration
	Policy    retry.Policy
}

// Deliverer posts claimed queue items to their endpoints.
type Deliverer struct {
	queue  repositories.WebhookQueueRepository
	client *http.Client
	cfg    DeliveryConfig
	clock  clockwork.Clock
	logger *logger.Logger

	deliveredCounter metric.Int64Counter
	retryCounter     metric.Int64Counter
	failedCounter    metric.Int64Counter
	latency          metric.Float64Histogram
}

func NewDeliverer(queue repositories.WebhookQueueRepository, cfg DeliveryConfig, clock clockwork.Clock, log *logger.Logger) (*Deliverer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("webhook retry policy: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	meter := otel.Meter("webhook-delivery")
	delivered, err := meter.Int64Counter("webhook_deliveries_total",
		metric.WithDescription("Webhook deliveries acknowledged with 2xx"))
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}
	retried, err := meter.Int64Counter("webhook_retries_total",
		metric.WithDescription("Webhook deliveries scheduled for retry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}
	failed, err := meter.Int64Counter("webhook_failures_total",
		metric.WithDescription("Webhook deliveries that hit the attempt ceiling"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	latency, err := meter.Float64Histogram("webhook_delivery_duration_seconds",
		metric.WithDescription("Webhook POST duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return &Deliverer{
		queue:            queue,
		client:           &http.Client{Timeout: cfg.Timeout},
		cfg:              cfg,
		clock:            clock,
		logger:           log,
		deliveredCounter: delivered,
		retryCounter:     retried,
		failedCounter:    failed,
		latency:          latency,
	}, nil
}

// DeliverDue claims one batch of due items and attempts each once.
func (d *Deliverer) DeliverDue(ctx context.Context) (int, error) {
	items, err := d.queue.ClaimDue(ctx, d.clock.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim webhooks: %w", err)
	}
	delivered := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, item) {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Deliverer) deliver(ctx context.Context, item *entities.WebhookQueueItem) bool {
	attrs := metric.WithAttributes(attribute.String("event", string(item.EventType)))
	start := d.clock.Now()
	status, err := d.post(ctx, item)
	d.latency.Record(ctx, d.clock.Since(start).Seconds(), attrs)

	if err == nil {
		if markErr := d.queue.MarkDelivered(ctx, item.ID, status); markErr != nil {
			d.logger.Error("Failed to mark webhook delivered", "id", item.ID, "error", markErr)
		}
		d.deliveredCounter.Add(ctx, 1, attrs)
		return true
	}

	attempts := item.Attempts + 1
	var statusCode *int
	if status != 0 {
		statusCode = &status
	}
	if d.cfg.Policy.Exhausted(attempts) {
		d.failedCounter.Add(ctx, 1, attrs)
		d.logger.Error("Webhook delivery failed permanently",
			"id", item.ID,
			"url", security.RedactURL(item.URL),
			"event", item.EventType,
			"attempts", attempts,
			"error", err)
		if markErr := d.queue.MarkFailed(ctx, item.ID, attempts, err.Error(), statusCode); markErr != nil {
			d.logger.Error("Failed to mark webhook failed", "id", item.ID, "error", markErr)
		}
		return false
	}

	next := d.cfg.Policy.NextAttempt(d.clock.Now().UTC(), attempts)
	d.retryCounter.Add(ctx, 1, attrs)
	d.logger.Warn("Webhook delivery failed, will retry",
		"id", item.ID,
		"url", security.RedactURL(item.URL),
		"attempts", attempts,
		"next_retry_at", next,
		"error", err)
	if markErr := d.queue.RecordFailure(ctx, item.ID, attempts, next, err.Error(), statusCode); markErr != nil {
		d.logger.Error("Failed to record webhook failure", "id", item.ID, "error", markErr)
	}
	return false
}

func (d *Deliverer) post(ctx context.Context, item *entities.WebhookQueueItem) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	now := d.clock.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sig.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(sig.HeaderSignature, sig.Sign(item.Payload, d.cfg.Secret, now))
	req.Header.Set(sig.HeaderEvent, string(item.EventType))
	req.Header.Set(sig.HeaderDelivery, item.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// ListFailed returns deliveries that exhausted their attempts.
func (d *Deliverer) ListFailed(ctx context.Context, limit, offset int) ([]*entities.WebhookQueueItem, error) {
	return d.queue.ListByStatus(ctx, entities.QueueStatusFailed, limit, offset)
}

// Requeue returns a failed delivery to pending with a fresh attempt budget.
func (d *Deliverer) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := d.queue.Requeue(ctx, id, d.clock.Now().UTC()); err != nil {
		return fmt.Errorf("requeue webhook %s: %w", id, err)
	}
	d.logger.Info("Webhook requeued by operator", "id", id)
	return nil
}
