package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QueueStatus is shared by the sweep and webhook queues.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// SweepQueueItem is a sweep that failed in-line and awaits a retry.
// Rows are kept after completion or permanent failure for audit.
type SweepQueueItem struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	WalletID         uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	Token            string          `db:"token" json:"token"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	DepositReference string          `db:"deposit_reference" json:"deposit_reference"`
	Status           QueueStatus     `db:"status" json:"status"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	NextRetryAt      time.Time       `db:"next_retry_at" json:"next_retry_at"`
	LastError        *string         `db:"last_error" json:"last_error,omitempty"`
	GasFundingTxHash *string         `db:"gas_funding_tx_hash" json:"gas_funding_tx_hash,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// WebhookEvent names an outbound notification.
type WebhookEvent string

const (
	WebhookEventDepositDetected  WebhookEvent = "deposit.detected"
	WebhookEventDepositConfirmed WebhookEvent = "deposit.confirmed"
	WebhookEventDepositRejected  WebhookEvent = "deposit.rejected"
	WebhookEventSweepCompleted   WebhookEvent = "sweep.completed"
	WebhookEventSweepFailed      WebhookEvent = "sweep.failed"
	WebhookEventSwapCompleted    WebhookEvent = "swap.completed"
)

// WebhookQueueItem is one pending delivery to one endpoint.
type WebhookQueueItem struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	URL            string          `db:"url" json:"url"`
	EventType      WebhookEvent    `db:"event_type" json:"event_type"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         QueueStatus     `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	NextRetryAt    time.Time       `db:"next_retry_at" json:"next_retry_at"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	LastStatusCode *int            `db:"last_status_code" json:"last_status_code,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// QueueStats is a status histogram for operator views and metrics.
type QueueStats map[QueueStatus]int64
