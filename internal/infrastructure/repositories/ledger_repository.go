package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
)

const entryColumns = `id, user_id, wallet_id, type, status, amount, currency, reference, metadata, created_at, updated_at, completed_at`

// LedgerRepository handles ledger entry persistence
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) getByReference(ctx context.Context, reference, suffix string) (*entities.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE reference = $1` + suffix

	var entry entities.LedgerEntry
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entry, query, reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get entry by reference: %w", err)
	}
	return &entry, nil
}

// GetByReference retrieves an entry by its idempotency reference
func (r *LedgerRepository) GetByReference(ctx context.Context, reference string) (*entities.LedgerEntry, error) {
	return r.getByReference(ctx, reference, "")
}

// GetByReferenceForUpdate locks the entry until the surrounding transaction ends
func (r *LedgerRepository) GetByReferenceForUpdate(ctx context.Context, reference string) (*entities.LedgerEntry, error) {
	return r.getByReference(ctx, reference, " FOR UPDATE")
}

// Insert writes a new entry. It reports false when the reference already exists.
func (r *LedgerRepository) Insert(ctx context.Context, entry *entities.LedgerEntry) (bool, error) {
	if err := entry.Metadata.Validate(); err != nil {
		return false, fmt.Errorf("validate metadata: %w", err)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	if entry.Status == entities.EntryStatusCompleted && entry.CompletedAt == nil {
		entry.CompletedAt = &now
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference) DO NOTHING`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.WalletID, entry.Type, entry.Status, entry.Amount,
		entry.Currency, entry.Reference, entry.Metadata, entry.CreatedAt, entry.UpdatedAt, entry.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// UpsertDetected records a watcher-detected deposit as confirming. Only a
// pending placeholder is upgraded; confirming or terminal rows are left alone.
func (r *LedgerRepository) UpsertDetected(ctx context.Context, entry *entities.LedgerEntry) (bool, error) {
	if err := entry.Metadata.Validate(); err != nil {
		return false, fmt.Errorf("validate metadata: %w", err)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	entry.Status = entities.EntryStatusConfirming
	entry.CreatedAt, entry.UpdatedAt = now, now

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)
		ON CONFLICT (reference) DO UPDATE
		SET status = EXCLUDED.status,
		    user_id = EXCLUDED.user_id,
		    wallet_id = EXCLUDED.wallet_id,
		    amount = EXCLUDED.amount,
		    metadata = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at
		WHERE ledger_entries.status = 'pending'`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.WalletID, entry.Type, entry.Status, entry.Amount,
		entry.Currency, entry.Reference, entry.Metadata, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert detected entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete upgrades a pending or confirming entry to completed. It reports
// false when the entry was not in an upgradable state.
func (r *LedgerRepository) Complete(ctx context.Context, entry *entities.LedgerEntry) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE ledger_entries
		SET status = 'completed', user_id = $1, wallet_id = $2, amount = $3, metadata = $4,
		    updated_at = $5, completed_at = $5
		WHERE id = $6 AND status IN ('pending', 'confirming')`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		entry.UserID, entry.WalletID, entry.Amount, entry.Metadata, now, entry.ID)
	if err != nil {
		return false, fmt.Errorf("complete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		entry.Status = entities.EntryStatusCompleted
		entry.UpdatedAt = now
		entry.CompletedAt = &now
	}
	return n == 1, nil
}

// UpdateMetadata replaces the metadata of a non-terminal entry
func (r *LedgerRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) error {
	query := `
		UPDATE ledger_entries SET metadata = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'confirming')`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, metadata, id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return requireRow(res, apperrors.ErrEntryNotEditable)
}

// MarkFailed moves a non-terminal entry to failed
func (r *LedgerRepository) MarkFailed(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error) {
	return r.terminate(ctx, id, entities.EntryStatusFailed, metadata)
}

// MarkExpired moves a non-terminal entry to expired
func (r *LedgerRepository) MarkExpired(ctx context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error) {
	return r.terminate(ctx, id, entities.EntryStatusExpired, metadata)
}

func (r *LedgerRepository) terminate(ctx context.Context, id uuid.UUID, status entities.EntryStatus, metadata entities.EntryMetadata) (bool, error) {
	query := `
		UPDATE ledger_entries SET status = $1, metadata = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'confirming')`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, string(status), metadata, id)
	if err != nil {
		return false, fmt.Errorf("mark entry %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListConfirming returns one keyset page of the deposits a chain's
// confirmation tracker must check, in (created_at, id) order after the cursor
func (r *LedgerRepository) ListConfirming(ctx context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	args := []interface{}{string(chain)}
	keyset := ""
	if !after.IsZero() {
		args = append(args, after.CreatedAt, after.ID)
		keyset = " AND (created_at, id) > ($2, $3)"
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE status = 'confirming' AND type = 'deposit' AND metadata -> 'deposit' ->> 'chain' = $1%s
		ORDER BY created_at, id
		LIMIT $%d`, keyset, len(args))

	var entries []*entities.LedgerEntry
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list confirming entries: %w", err)
	}
	return entries, nil
}

// List returns a filtered page of entries, newest first, and the total match count
func (r *LedgerRepository) List(ctx context.Context, filter entities.EntryFilter) ([]*entities.LedgerEntry, int64, error) {
	filter.Normalize()

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.WalletID != nil {
		add("wallet_id = $%d", *filter.WalletID)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}
	if filter.Chain != "" {
		add("metadata -> 'deposit' ->> 'chain' = $%d", string(filter.Chain))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	conn := database.Conn(ctx, r.db)

	var total int64
	if err := conn.GetContext(ctx, &total, `SELECT COUNT(*) FROM ledger_entries`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM ledger_entries%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	var entries []*entities.LedgerEntry
	if err := conn.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}
