package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
)

// Transactor runs fn inside one database transaction carried on the context.
// Nested calls join the outer transaction.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WalletRepository persists wallets, balances and watcher cursors.
type WalletRepository interface {
	Create(ctx context.Context, wallet *entities.Wallet) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Wallet, error)
	GetByUserCurrency(ctx context.Context, userID uuid.UUID, currency string) (*entities.Wallet, error)
	GetByAddress(ctx context.Context, chain entities.Chain, address string) (*entities.Wallet, error)
	// GetOrCreate returns the (user, currency) wallet, inserting an empty one if absent.
	GetOrCreate(ctx context.Context, userID uuid.UUID, currency string, chain entities.Chain) (*entities.Wallet, error)
	ListWatched(ctx context.Context, chain entities.Chain) ([]*entities.Wallet, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error)

	// Increment adds amount and returns the new balance.
	Increment(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	// DecrementIfSufficient subtracts amount only when balance >= amount.
	DecrementIfSufficient(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)

	UpdateCursor(ctx context.Context, walletID uuid.UUID, cursor entities.WalletCursor) error
	AttachAddress(ctx context.Context, walletID uuid.UUID, address, encryptedKey string, index int64) error
	NextDerivationIndex(ctx context.Context) (int64, error)
}

// LedgerRepository persists append-only ledger entries.
type LedgerRepository interface {
	GetByReference(ctx context.Context, reference string) (*entities.LedgerEntry, error)
	// GetByReferenceForUpdate locks the row for the rest of the transaction.
	GetByReferenceForUpdate(ctx context.Context, reference string) (*entities.LedgerEntry, error)
	// Insert reports false when an entry with the same reference already exists.
	Insert(ctx context.Context, entry *entities.LedgerEntry) (bool, error)
	// UpsertDetected inserts a confirming entry or upgrades a pending placeholder.
	UpsertDetected(ctx context.Context, entry *entities.LedgerEntry) (bool, error)
	// Complete moves a pending or confirming entry to completed.
	Complete(ctx context.Context, entry *entities.LedgerEntry) (bool, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) error
	MarkFailed(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error)
	// ListConfirming pages confirming deposits in (created_at, id) order after the cursor.
	ListConfirming(ctx context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error)
	List(ctx context.Context, filter entities.EntryFilter) ([]*entities.LedgerEntry, int64, error)
}

// SweepQueueRepository persists sweeps awaiting retry. Rows are never deleted.
type SweepQueueRepository interface {
	Enqueue(ctx context.Context, item *entities.SweepQueueItem) error
	// ClaimDue moves up to limit due pending items to processing, skipping rows locked by other workers.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.SweepQueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	// Reschedule returns an item to pending without consuming a retry.
	Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, gasFundingTxHash *string, reason string) error
	RecordFailure(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.SweepQueueItem, error)
	ListByStatus(ctx context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.SweepQueueItem, error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	ResetStale(ctx context.Context, staleBefore time.Time) (int64, error)
	Stats(ctx context.Context) (entities.QueueStats, error)
}

// WebhookQueueRepository persists outbound webhook deliveries.
type WebhookQueueRepository interface {
	Enqueue(ctx context.Context, items []*entities.WebhookQueueItem) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.WebhookQueueItem, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, statusCode int) error
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string, statusCode *int) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, statusCode *int) error
	ListByStatus(ctx context.Context, status entities.QueueStatus, limit, offset int) ([]*entities.WebhookQueueItem, error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	ResetStale(ctx context.Context, staleBefore time.Time) (int64, error)
	Stats(ctx context.Context) (entities.QueueStats, error)
}
