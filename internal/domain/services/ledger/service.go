package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
	"github.com/rail-service/settlement_core/pkg/tracing"
)

// Service is the single writer of wallet balances. Every balance change is
// paired with a ledger entry whose reference is unique, so replays are no-ops.
type Service struct {
	wallets repositories.WalletRepository
	entries repositories.LedgerRepository
	tx      repositories.Transactor
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewService creates a new ledger service
func NewService(
	wallets repositories.WalletRepository,
	entries repositories.LedgerRepository,
	tx repositories.Transactor,
	logger *logger.Logger,
) *Service {
	return &Service{
		wallets: wallets,
		entries: entries,
		tx:      tx,
		logger:  logger,
		tracer:  tracing.Tracer("ledger"),
	}
}

// CreditRequest adds funds to a (user, currency) wallet.
type CreditRequest struct {
	UserID    uuid.UUID
	Currency  string
	Chain     entities.Chain
	Amount    decimal.Decimal
	Reference string
	Type      entities.EntryType
	Metadata  entities.EntryMetadata
}

// DebitRequest removes funds from a (user, currency) wallet.
type DebitRequest struct {
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Reference string
	Type      entities.EntryType
	Metadata  entities.EntryMetadata
}

func validateMovement(amount decimal.Decimal, reference string, entryType entities.EntryType) error {
	if !amount.IsPositive() {
		return apperrors.ErrInvalidAmount
	}
	if reference == "" {
		return apperrors.ValidationError("reference", "reference is required")
	}
	return entryType.Validate()
}

// WithinTransaction runs fn in one database transaction. Credit and debit
// calls made with the returned context join it.
func (s *Service) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithinTransaction(ctx, fn)
}

// CreditWallet applies a credit exactly once per reference. A pending or
// confirming entry with the same reference is upgraded to completed. When the
// reference is already completed the prior entry is returned together with
// ErrDuplicateReference and the balance is left untouched.
func (s *Service) CreditWallet(ctx context.Context, req CreditRequest) (*entities.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.credit_wallet", trace.WithAttributes(
		attribute.String("reference", req.Reference),
		attribute.String("currency", req.Currency),
	))
	defer span.End()

	if err := validateMovement(req.Amount, req.Reference, req.Type); err != nil {
		return nil, err
	}
	currency := entities.NormalizeCurrency(req.Currency)

	var (
		result *entities.LedgerEntry
		prior  *entities.LedgerEntry
	)
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		wallet, err := s.wallets.GetOrCreate(ctx, req.UserID, currency, req.Chain)
		if err != nil {
			return err
		}

		existing, err := s.entries.GetByReferenceForUpdate(ctx, req.Reference)
		switch {
		case err == nil:
			entry, dup, err := s.upgradeExisting(ctx, existing, wallet, req)
			if err != nil {
				return err
			}
			if dup {
				prior = entry
				return apperrors.ErrDuplicateReference
			}
			result = entry
		case errors.Is(err, apperrors.ErrNotFound):
			entry := &entities.LedgerEntry{
				UserID:    &wallet.UserID,
				WalletID:  &wallet.ID,
				Type:      req.Type,
				Status:    entities.EntryStatusCompleted,
				Amount:    req.Amount,
				Currency:  currency,
				Reference: req.Reference,
				Metadata:  req.Metadata,
			}
			inserted, err := s.entries.Insert(ctx, entry)
			if err != nil {
				return err
			}
			if !inserted {
				// Lost a race with a concurrent insert of the same reference.
				if prior, err = s.entries.GetByReference(ctx, req.Reference); err != nil {
					return fmt.Errorf("load prior entry: %w", err)
				}
				return apperrors.ErrDuplicateReference
			}
			result = entry
		default:
			return err
		}

		if _, err := s.wallets.Increment(ctx, wallet.ID, req.Amount); err != nil {
			return err
		}
		return nil
	})

	if apperrors.IsDuplicate(err) {
		metrics.LedgerOperations.WithLabelValues("credit", "duplicate").Inc()
		s.logger.Debug("Credit already applied", "reference", req.Reference)
		return prior, fmt.Errorf("credit %s: %w", req.Reference, apperrors.ErrDuplicateReference)
	}
	if err != nil {
		span.RecordError(err)
		metrics.LedgerOperations.WithLabelValues("credit", "error").Inc()
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	metrics.LedgerOperations.WithLabelValues("credit", "ok").Inc()
	s.logger.Info("Wallet credited",
		"reference", req.Reference,
		"user_id", req.UserID,
		"currency", currency,
		"amount", req.Amount.String())
	return result, nil
}

// upgradeExisting completes a pending or confirming entry. It reports dup=true
// when the entry was already completed.
func (s *Service) upgradeExisting(ctx context.Context, existing *entities.LedgerEntry, wallet *entities.Wallet, req CreditRequest) (*entities.LedgerEntry, bool, error) {
	switch existing.Status {
	case entities.EntryStatusCompleted:
		return existing, true, nil
	case entities.EntryStatusFailed, entities.EntryStatusExpired:
		return nil, false, fmt.Errorf("reference %s is %s: %w", req.Reference, existing.Status, apperrors.ErrConflict)
	}

	existing.UserID = &wallet.UserID
	existing.WalletID = &wallet.ID
	existing.Amount = req.Amount
	if req.Metadata.Kind != entities.MetadataKindNone {
		existing.Metadata = req.Metadata
	}

	ok, err := s.entries.Complete(ctx, existing)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return existing, true, nil
	}
	return existing, false, nil
}

// DebitWallet removes funds with a conditional update; it never overdraws.
// A reused reference rolls the decrement back and returns the prior entry.
func (s *Service) DebitWallet(ctx context.Context, req DebitRequest) (*entities.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.debit_wallet", trace.WithAttributes(
		attribute.String("reference", req.Reference),
		attribute.String("currency", req.Currency),
	))
	defer span.End()

	if err := validateMovement(req.Amount, req.Reference, req.Type); err != nil {
		return nil, err
	}
	currency := entities.NormalizeCurrency(req.Currency)

	var result, prior *entities.LedgerEntry
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if existing, err := s.entries.GetByReference(ctx, req.Reference); err == nil {
			prior = existing
			return apperrors.ErrDuplicateReference
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		wallet, err := s.wallets.GetByUserCurrency(ctx, req.UserID, currency)
		if err != nil {
			return err
		}
		if _, err := s.wallets.DecrementIfSufficient(ctx, wallet.ID, req.Amount); err != nil {
			return err
		}

		entry := &entities.LedgerEntry{
			UserID:    &wallet.UserID,
			WalletID:  &wallet.ID,
			Type:      req.Type,
			Status:    entities.EntryStatusCompleted,
			Amount:    req.Amount,
			Currency:  currency,
			Reference: req.Reference,
			Metadata:  req.Metadata,
		}
		inserted, err := s.entries.Insert(ctx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			if prior, err = s.entries.GetByReference(ctx, req.Reference); err != nil {
				return fmt.Errorf("load prior entry: %w", err)
			}
			return apperrors.ErrDuplicateReference
		}
		result = entry
		return nil
	})

	switch {
	case err == nil:
	case apperrors.IsDuplicate(err):
		metrics.LedgerOperations.WithLabelValues("debit", "duplicate").Inc()
		return prior, fmt.Errorf("debit %s: %w", req.Reference, apperrors.ErrDuplicateReference)
	case apperrors.IsInsufficientFunds(err):
		metrics.LedgerOperations.WithLabelValues("debit", "insufficient").Inc()
		return nil, err
	default:
		span.RecordError(err)
		metrics.LedgerOperations.WithLabelValues("debit", "error").Inc()
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	metrics.LedgerOperations.WithLabelValues("debit", "ok").Inc()
	s.logger.Info("Wallet debited",
		"reference", req.Reference,
		"user_id", req.UserID,
		"currency", currency,
		"amount", req.Amount.String())
	return result, nil
}

// RecordDetectedDeposits stores newly seen transfers as confirming entries and
// advances the wallet cursor in the same transaction, so a crash between the
// two can never skip a deposit. It returns only the entries written by this call.
func (s *Service) RecordDetectedDeposits(ctx context.Context, wallet *entities.Wallet, transfers []entities.DetectedTransfer, cursor entities.WalletCursor, requiredConfirmations int64) ([]*entities.LedgerEntry, error) {
	var recorded []*entities.LedgerEntry
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		recorded = recorded[:0]
		for _, t := range transfers {
			if !t.Amount.IsPositive() {
				continue
			}
			entry := &entities.LedgerEntry{
				UserID:    &wallet.UserID,
				WalletID:  &wallet.ID,
				Type:      entities.EntryTypeDeposit,
				Amount:    t.Amount,
				Currency:  wallet.Currency,
				Reference: t.LedgerReference(),
				Metadata: entities.DepositMeta(entities.DepositMetadata{
					Chain:                 wallet.Chain,
					TxHash:                t.TxHash,
					FromAddress:           t.FromAddress,
					ToAddress:             wallet.Address,
					TokenContract:         t.TokenContract,
					RawAmount:             t.RawAmount,
					BlockHeight:           t.BlockHeight,
					RequiredConfirmations: requiredConfirmations,
					Detection:             t.Detection,
				}),
			}
			written, err := s.entries.UpsertDetected(ctx, entry)
			if err != nil {
				return fmt.Errorf("record %s: %w", entry.Reference, err)
			}
			if written {
				recorded = append(recorded, entry)
			}
		}
		return s.wallets.UpdateCursor(ctx, wallet.ID, cursor)
	})
	if err != nil {
		return nil, fmt.Errorf("record detected deposits: %w", err)
	}
	return recorded, nil
}

// RecordEntry writes an entry that does not move a user balance, such as a sweep.
func (s *Service) RecordEntry(ctx context.Context, entry *entities.LedgerEntry) (*entities.LedgerEntry, error) {
	if err := validateMovement(entry.Amount, entry.Reference, entry.Type); err != nil {
		return nil, err
	}
	inserted, err := s.entries.Insert(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("record entry: %w", err)
	}
	if !inserted {
		prior, err := s.entries.GetByReference(ctx, entry.Reference)
		if err != nil {
			return nil, fmt.Errorf("load prior entry: %w", err)
		}
		return prior, fmt.Errorf("record %s: %w", entry.Reference, apperrors.ErrDuplicateReference)
	}
	return entry, nil
}

// UpdateConfirmations persists the latest confirmation count of a deposit.
func (s *Service) UpdateConfirmations(ctx context.Context, entry *entities.LedgerEntry, confirmations int64) error {
	if entry.Metadata.Deposit == nil {
		return fmt.Errorf("entry %s has no deposit metadata: %w", entry.Reference, apperrors.ErrInvalidInput)
	}
	if entry.Metadata.Deposit.Confirmations == confirmations {
		return nil
	}
	entry.Metadata.Deposit.Confirmations = confirmations
	return s.entries.UpdateMetadata(ctx, entry.ID, entry.Metadata)
}

// MarkFailed rejects a non-terminal entry, recording reason on deposit metadata.
func (s *Service) MarkFailed(ctx context.Context, entry *entities.LedgerEntry, reason string) error {
	return s.terminate(ctx, entry, entities.EntryStatusFailed, reason, s.entries.MarkFailed)
}

// Expire closes a deposit that never reached the chain or dropped out of it.
func (s *Service) Expire(ctx context.Context, entry *entities.LedgerEntry, reason string) error {
	return s.terminate(ctx, entry, entities.EntryStatusExpired, reason, s.entries.MarkExpired)
}

func (s *Service) terminate(ctx context.Context, entry *entities.LedgerEntry, status entities.EntryStatus, reason string,
	apply func(context.Context, uuid.UUID, entities.EntryMetadata) (bool, error)) error {
	if err := entry.Status.ValidateTransition(status); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrEntryNotEditable, err)
	}
	if entry.Metadata.Deposit != nil {
		entry.Metadata.Deposit.FailureReason = reason
	}
	ok, err := apply(ctx, entry.ID, entry.Metadata)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if !ok {
		return apperrors.ErrEntryNotEditable
	}
	entry.Status = status
	s.logger.Warn("Ledger entry closed", "reference", entry.Reference, "status", status, "reason", reason)
	return nil
}

// GetBalances returns every wallet balance of a user.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	return s.wallets.ListBalances(ctx, userID)
}

// GetWallet returns the (user, currency) wallet.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*entities.Wallet, error) {
	return s.wallets.GetByUserCurrency(ctx, userID, entities.NormalizeCurrency(currency))
}

// ListEntries returns a page of history and the total count.
func (s *Service) ListEntries(ctx context.Context, filter entities.EntryFilter) ([]*entities.LedgerEntry, int64, error) {
	filter.Normalize()
	if filter.Currency != "" {
		filter.Currency = entities.NormalizeCurrency(filter.Currency)
	}
	return s.entries.List(ctx, filter)
}

// ListConfirming returns one page of deposits awaiting finality on chain,
// starting after the cursor.
func (s *Service) ListConfirming(ctx context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error) {
	return s.entries.ListConfirming(ctx, chain, after, limit)
}
