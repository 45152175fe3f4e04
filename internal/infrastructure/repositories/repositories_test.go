package repositories

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestWalletRepository_DecrementIfSufficient(t *testing.T) {
	ctx := context.Background()
	walletID := uuid.New()
	amount := decimal.NewFromInt(50)

	t.Run("debits when balance covers amount", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewWalletRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $2 AND balance >= $1")).
			WithArgs(amount, walletID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("25"))

		balance, err := repo.DecrementIfSufficient(ctx, walletID, amount)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(25)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewWalletRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $2 AND balance >= $1")).
			WithArgs(amount, walletID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs(walletID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := repo.DecrementIfSufficient(ctx, walletID, amount)
		assert.True(t, apperrors.IsInsufficientFunds(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown wallet", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewWalletRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $2 AND balance >= $1")).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := repo.DecrementIfSufficient(ctx, walletID, amount)
		assert.ErrorIs(t, err, apperrors.ErrWalletNotFound)
	})
}

func TestWalletRepository_GetByIDScansCursor(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWalletRepository(db)

	id, userID := uuid.New(), uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "currency", "chain", "address", "balance", "encrypted_key",
		"derivation_index", "cursor", "watched", "created_at", "updated_at",
	}).AddRow(id, userID, "USDT", "tron", "TXYZ", "10.5", nil, int64(7), []byte(`{"timestamp": 1700000000000}`), true, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE id = $1")).WithArgs(id).WillReturnRows(rows)

	wallet, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), wallet.Cursor.Timestamp)
	assert.Equal(t, int64(7), *wallet.DerivationIndex)
	assert.False(t, wallet.IsCustodial())
}

func TestWalletRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWalletRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrWalletNotFound)
}

func TestLedgerRepository_InsertReportsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)

	entry := &entities.LedgerEntry{
		Type:      entities.EntryTypeDeposit,
		Status:    entities.EntryStatusCompleted,
		Amount:    decimal.NewFromInt(10),
		Currency:  "USDT",
		Reference: "0xabc",
		Metadata:  entities.DepositMeta(entities.DepositMetadata{Chain: entities.ChainEthereum, TxHash: "0xabc"}),
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (reference) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NotNil(t, entry.CompletedAt)
}

func TestLedgerRepository_InsertRejectsBadMetadata(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewLedgerRepository(db)

	_, err := repo.Insert(context.Background(), &entities.LedgerEntry{
		Reference: "x",
		Metadata:  entities.EntryMetadata{Kind: entities.MetadataKindSwap},
	})
	assert.Error(t, err)
}

func TestLedgerRepository_UpsertDetectedOnlyUpgradesPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE ledger_entries.status = 'pending'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &entities.LedgerEntry{
		Type:      entities.EntryTypeDeposit,
		Amount:    decimal.NewFromInt(3),
		Currency:  "BTC",
		Reference: "txid",
		Metadata:  entities.DepositMeta(entities.DepositMetadata{Chain: entities.ChainBitcoin, TxHash: "txid"}),
	}
	written, err := repo.UpsertDetected(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, entities.EntryStatusConfirming, entry.Status)
}

func TestLedgerRepository_ListBuildsFilter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND type = $2")).
		WithArgs(userID, entities.EntryTypeSwap).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs(userID, entities.EntryTypeSwap, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	entries, total, err := repo.List(context.Background(), entities.EntryFilter{UserID: &userID, Type: entities.EntryTypeSwap})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ListConfirmingKeyset(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("->> 'chain' = $1 ORDER BY created_at, id LIMIT $2")).
		WithArgs("ethereum", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := repo.ListConfirming(ctx, entities.ChainEthereum, entities.EntryCursor{}, 100)
	require.NoError(t, err)

	after := entities.EntryCursor{CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), ID: uuid.New()}
	mock.ExpectQuery(regexp.QuoteMeta("AND (created_at, id) > ($2, $3) ORDER BY created_at, id LIMIT $4")).
		WithArgs("ethereum", after.CreatedAt, after.ID, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.ListConfirming(ctx, entities.ChainEthereum, after, 100)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_MarkExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_entries SET status = $1")).
		WithArgs("expired", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_entries SET status = $1")).
		WithArgs("expired", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	meta := entities.DepositMeta(entities.DepositMetadata{Chain: entities.ChainTron, FailureReason: "not_found"})
	ok, err := repo.MarkExpired(context.Background(), id, meta)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkExpired(context.Background(), id, meta)
	require.NoError(t, err)
	assert.False(t, ok, "terminal entries are left alone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepQueueRepository_ClaimDueSkipsLocked(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSweepQueueRepository(db)
	now := time.Now()

	id, walletID := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "wallet_id", "token", "amount", "deposit_reference", "status", "retry_count",
			"next_retry_at", "last_error", "gas_funding_tx_hash", "created_at", "updated_at",
		}).AddRow(id, walletID, "USDT", "100", "0xdep", "processing", 2, now, "boom", nil, now, now))

	items, err := repo.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, entities.QueueStatusProcessing, items[0].Status)
	assert.Equal(t, 2, items[0].RetryCount)
	assert.Equal(t, "boom", *items[0].LastError)
}

func TestSweepQueueRepository_RequeueRequiresFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSweepQueueRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $2 AND status = 'failed'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Requeue(context.Background(), uuid.New(), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSweepQueueRepository_Stats(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSweepQueueRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS count FROM sweep_queue GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 3).AddRow("failed", 1))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats[entities.QueueStatusPending])
	assert.Equal(t, int64(1), stats[entities.QueueStatusFailed])
}

func TestWebhookQueueRepository_Enqueue(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWebhookQueueRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_queue")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	item := &entities.WebhookQueueItem{
		URL:       "https://merchant.example/hooks",
		EventType: entities.WebhookEventDepositConfirmed,
		Payload:   json.RawMessage(`{"reference":"0xabc"}`),
	}
	require.NoError(t, repo.Enqueue(context.Background(), []*entities.WebhookQueueItem{item}))
	assert.Equal(t, entities.QueueStatusPending, item.Status)
	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookQueueRepository_EnqueueEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	assert.NoError(t, NewWebhookQueueRepository(db).Enqueue(context.Background(), nil))
}
