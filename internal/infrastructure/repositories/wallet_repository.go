package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
)

const walletColumns = `id, user_id, currency, chain, address, balance, encrypted_key, derivation_index, cursor, watched, created_at, updated_at`

// WalletRepository handles wallet persistence
type WalletRepository struct {
	db *sqlx.DB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Create inserts a wallet
func (r *WalletRepository) Create(ctx context.Context, wallet *entities.Wallet) error {
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	now := time.Now().UTC()
	wallet.CreatedAt, wallet.UpdatedAt = now, now

	query := `
		INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		wallet.ID, wallet.UserID, wallet.Currency, wallet.Chain, wallet.Address, wallet.Balance,
		wallet.EncryptedKey, wallet.DerivationIndex, wallet.Cursor, wallet.Watched,
		wallet.CreatedAt, wallet.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("wallet already exists: %w", apperrors.ErrConflict)
		}
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (r *WalletRepository) getOne(ctx context.Context, where string, args ...interface{}) (*entities.Wallet, error) {
	var wallet entities.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE ` + where
	if err := database.Conn(ctx, r.db).GetContext(ctx, &wallet, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &wallet, nil
}

func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Wallet, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *WalletRepository) GetByUserCurrency(ctx context.Context, userID uuid.UUID, currency string) (*entities.Wallet, error) {
	return r.getOne(ctx, `user_id = $1 AND currency = $2`, userID, currency)
}

func (r *WalletRepository) GetByAddress(ctx context.Context, chain entities.Chain, address string) (*entities.Wallet, error) {
	return r.getOne(ctx, `chain = $1 AND address = $2`, chain, address)
}

// GetOrCreate returns the (user, currency) wallet, creating an empty one on first credit
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string, chain entities.Chain) (*entities.Wallet, error) {
	query := `
		INSERT INTO wallets (id, user_id, currency, chain, balance, cursor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, '{}'::jsonb, NOW(), NOW())
		ON CONFLICT (user_id, currency) DO NOTHING`

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, uuid.New(), userID, currency, chain); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return r.GetByUserCurrency(ctx, userID, currency)
}

// ListWatched returns the custodial addresses a chain watcher polls
func (r *WalletRepository) ListWatched(ctx context.Context, chain entities.Chain) ([]*entities.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE chain = $1 AND watched AND address <> '' ORDER BY created_at`

	var wallets []*entities.Wallet
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &wallets, query, chain); err != nil {
		return nil, fmt.Errorf("list watched wallets: %w", err)
	}
	return wallets, nil
}

func (r *WalletRepository) ListBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	query := `
		SELECT id, currency, chain, address, balance, updated_at
		FROM wallets
		WHERE user_id = $1
		ORDER BY currency`

	var balances []*entities.Balance
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &balances, query, userID); err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

// Increment adds amount to the balance and returns the new value
func (r *WalletRepository) Increment(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`

	var balance decimal.Decimal
	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, amount, walletID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, apperrors.ErrWalletNotFound
		}
		return decimal.Zero, fmt.Errorf("increment balance: %w", err)
	}
	return balance, nil
}

// DecrementIfSufficient performs the conditional debit. The balance check and
// the update are one statement, so concurrent debits cannot overdraw.
func (r *WalletRepository) DecrementIfSufficient(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE wallets SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
		RETURNING balance`

	conn := database.Conn(ctx, r.db)
	var balance decimal.Decimal
	err := conn.QueryRowxContext(ctx, query, amount, walletID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("decrement balance: %w", err)
	}

	var exists bool
	if err := conn.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID); err != nil {
		return decimal.Zero, fmt.Errorf("check wallet: %w", err)
	}
	if !exists {
		return decimal.Zero, apperrors.ErrWalletNotFound
	}
	return decimal.Zero, apperrors.InsufficientFundsError(walletID.String(), amount.String())
}

func (r *WalletRepository) UpdateCursor(ctx context.Context, walletID uuid.UUID, cursor entities.WalletCursor) error {
	query := `UPDATE wallets SET cursor = $1, updated_at = NOW() WHERE id = $2`
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, cursor, walletID)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return requireRow(res, apperrors.ErrWalletNotFound)
}

// AttachAddress stores a provisioned address and its sealed key, and starts watching it
func (r *WalletRepository) AttachAddress(ctx context.Context, walletID uuid.UUID, address, encryptedKey string, index int64) error {
	query := `
		UPDATE wallets
		SET address = $1, encrypted_key = $2, derivation_index = $3, watched = TRUE, updated_at = NOW()
		WHERE id = $4 AND address = ''`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, address, encryptedKey, index, walletID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("address already assigned: %w", apperrors.ErrConflict)
		}
		return fmt.Errorf("attach address: %w", err)
	}
	return requireRow(res, fmt.Errorf("wallet %s already has an address: %w", walletID, apperrors.ErrConflict))
}

func (r *WalletRepository) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	if err := database.Conn(ctx, r.db).GetContext(ctx, &idx, `SELECT nextval('wallet_derivation_seq')`); err != nil {
		return 0, fmt.Errorf("next derivation index: %w", err)
	}
	return idx, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
