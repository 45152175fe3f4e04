package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType is the kind of ledger movement.
type EntryType string

const (
	EntryTypeDeposit     EntryType = "deposit"
	EntryTypeWithdrawal  EntryType = "withdrawal"
	EntryTypeSwap        EntryType = "swap"
	EntryTypeSweep       EntryType = "sweep"
	EntryTypeTransfer    EntryType = "transfer"
	EntryTypeAdminCredit EntryType = "admin_credit"
	EntryTypeAdminDebit  EntryType = "admin_debit"
)

func (t EntryType) Validate() error {
	switch t {
	case EntryTypeDeposit, EntryTypeWithdrawal, EntryTypeSwap, EntryTypeSweep,
		EntryTypeTransfer, EntryTypeAdminCredit, EntryTypeAdminDebit:
		return nil
	default:
		return fmt.Errorf("invalid entry type: %s", t)
	}
}

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusConfirming EntryStatus = "confirming"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusFailed     EntryStatus = "failed"
	EntryStatusExpired    EntryStatus = "expired"
)

// ValidEntryTransitions defines allowed status transitions.
var ValidEntryTransitions = map[EntryStatus][]EntryStatus{
	EntryStatusPending:    {EntryStatusConfirming, EntryStatusCompleted, EntryStatusFailed, EntryStatusExpired},
	EntryStatusConfirming: {EntryStatusCompleted, EntryStatusFailed, EntryStatusExpired},
	EntryStatusCompleted:  {},
	EntryStatusFailed:     {},
	EntryStatusExpired:    {},
}

func (s EntryStatus) IsValid() bool {
	_, ok := ValidEntryTransitions[s]
	return ok
}

// CanTransitionTo checks if transition to new status is allowed
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range ValidEntryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusCompleted || s == EntryStatusFailed || s == EntryStatusExpired
}

// ValidateTransition validates and returns error if transition is invalid
func (s EntryStatus) ValidateTransition(next EntryStatus) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid entry status: %s", next)
	}
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition from %s to %s", s, next)
	}
	return nil
}

// LedgerEntry is an append-only record keyed by a globally unique reference.
// Only status, metadata and timestamps change after insert.
type LedgerEntry struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	UserID      *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	WalletID    *uuid.UUID      `db:"wallet_id" json:"wallet_id,omitempty"`
	Type        EntryType       `db:"type" json:"type"`
	Status      EntryStatus     `db:"status" json:"status"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Currency    string          `db:"currency" json:"currency"`
	Reference   string          `db:"reference" json:"reference"`
	Metadata    EntryMetadata   `db:"metadata" json:"metadata"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// EntryCursor is a keyset position in (created_at, id) order. The zero value
// starts before the first entry.
type EntryCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c EntryCursor) IsZero() bool {
	return c.ID == uuid.Nil
}

// CursorAt returns the position of e.
func CursorAt(e *LedgerEntry) EntryCursor {
	return EntryCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Precedes reports whether e sorts strictly after the cursor.
func (c EntryCursor) Precedes(e *LedgerEntry) bool {
	if c.IsZero() {
		return true
	}
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.After(c.CreatedAt)
	}
	return e.ID.String() > c.ID.String()
}

// EntryFilter selects ledger history.
type EntryFilter struct {
	UserID   *uuid.UUID
	WalletID *uuid.UUID
	Type     EntryType
	Status   EntryStatus
	Currency string
	Chain    Chain
	Limit    int
	Offset   int
}

// Normalize clamps paging values.
func (f *EntryFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// DetectedTransfer is an inbound transfer found by a watcher, before finality.
type DetectedTransfer struct {
	TxHash        string
	FromAddress   string
	ToAddress     string
	TokenContract string
	RawAmount     decimal.Decimal
	Amount        decimal.Decimal
	BlockHeight   int64
	Detection     DetectionMethod
	// Reference overrides TxHash as the ledger reference (balance-diff deposits have no tx id).
	Reference string
}

// LedgerReference returns the idempotency key for the transfer.
func (d DetectedTransfer) LedgerReference() string {
	if d.Reference != "" {
		return d.Reference
	}
	return d.TxHash
}
