// Package confirmation advances confirming deposits to completed once they
// reach the chain's finality threshold.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
)

const (
	ReasonDust     = "dust"
	ReasonReverted = "reverted"
	ReasonNotFound = "not_found"

	defaultExpireAfter = 24 * time.Hour
)

// Ledger is the subset of the ledger service the tracker drives.
type Ledger interface {
	ListConfirming(ctx context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error)
	UpdateConfirmations(ctx context.Context, entry *entities.LedgerEntry, confirmations int64) error
	MarkFailed(ctx context.Context, entry *entities.LedgerEntry, reason string) error
	Expire(ctx context.Context, entry *entities.LedgerEntry, reason string) error
	CreditWallet(ctx context.Context, req ledger.CreditRequest) (*entities.LedgerEntry, error)
}

// Sweeper takes over a credited deposit. It owns its own failure handling.
type Sweeper interface {
	HandleDeposit(ctx context.Context, entry *entities.LedgerEntry)
}

type Notifier interface {
	Notify(ctx context.Context, event entities.WebhookEvent, data interface{})
}

type Config struct {
	Chain entities.Chain
	// RequiredConfirmations applies to entries recorded without a target.
	RequiredConfirmations int64
	Assets                []entities.Asset
	// BatchSize is the page size; every confirming entry is visited each tick.
	BatchSize int
	// ExpireAfter closes entries whose transaction the chain still cannot find
	// this long after detection.
	ExpireAfter time.Duration
}

type Option func(*Tracker)

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// Tracker runs per chain on its own cadence.
type Tracker struct {
	cfg       Config
	confirmer chain.Confirmer
	ledger    Ledger
	sweeper   Sweeper
	notifier  Notifier
	dust      map[string]entities.Asset
	clock     clockwork.Clock
	logger    *logger.Logger
}

func NewTracker(cfg Config, confirmer chain.Confirmer, ledger Ledger, sweeper Sweeper, notifier Notifier, log *logger.Logger, opts ...Option) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = defaultExpireAfter
	}
	assets := make(map[string]entities.Asset, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[entities.NormalizeCurrency(a.Symbol)] = a
	}
	t := &Tracker{
		cfg:       cfg,
		confirmer: confirmer,
		ledger:    ledger,
		sweeper:   sweeper,
		notifier:  notifier,
		dust:      assets,
		clock:     clockwork.NewRealClock(),
		logger:    log.With("chain", string(cfg.Chain)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Chain returns the chain this tracker confirms.
func (t *Tracker) Chain() entities.Chain {
	return t.cfg.Chain
}

// Tick checks every confirming deposit once and returns how many were credited.
// Entries are paged in creation order so that entries the chain never confirms
// cannot crowd out newer ones. Per-entry errors are logged and skipped.
func (t *Tracker) Tick(ctx context.Context) (int, error) {
	var (
		after    entities.EntryCursor
		height   int64
		haveTip  bool
		credited int
	)
	for {
		entries, err := t.ledger.ListConfirming(ctx, t.cfg.Chain, after, t.cfg.BatchSize)
		if err != nil {
			return credited, fmt.Errorf("list confirming: %w", err)
		}
		if len(entries) == 0 {
			return credited, nil
		}
		if !haveTip {
			if height, err = t.confirmer.CurrentHeight(ctx); err != nil {
				return credited, fmt.Errorf("current height: %w", err)
			}
			haveTip = true
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return credited, ctx.Err()
			}
			done, err := t.process(ctx, entry, height)
			if err != nil {
				t.logger.Warn("Confirmation check failed",
					"reference", entry.Reference,
					"error", err)
				continue
			}
			if done {
				credited++
			}
		}

		if len(entries) < t.cfg.BatchSize {
			return credited, nil
		}
		after = entities.CursorAt(entries[len(entries)-1])
	}
}

func (t *Tracker) process(ctx context.Context, entry *entities.LedgerEntry, height int64) (bool, error) {
	dep := entry.Metadata.Deposit
	if dep == nil || entry.UserID == nil {
		return false, fmt.Errorf("entry %s is not a matched deposit", entry.Reference)
	}

	if asset, ok := t.dust[entry.Currency]; ok && asset.DustThreshold.IsPositive() && entry.Amount.LessThan(asset.DustThreshold) {
		return false, t.reject(ctx, entry, ReasonDust)
	}

	inclusion := dep.BlockHeight
	if dep.TxHash != "" {
		inc, err := t.confirmer.Inclusion(ctx, dep.TxHash)
		if err != nil {
			return false, err
		}
		if !inc.Found {
			if t.clock.Since(entry.CreatedAt) > t.cfg.ExpireAfter {
				return false, t.expire(ctx, entry)
			}
			return false, nil
		}
		if inc.Reverted {
			return false, t.reject(ctx, entry, ReasonReverted)
		}
		inclusion = inc.Height
	}

	confirmations := Confirmations(t.cfg.Chain, height, inclusion)
	if err := t.ledger.UpdateConfirmations(ctx, entry, confirmations); err != nil {
		return false, fmt.Errorf("update confirmations: %w", err)
	}

	required := dep.RequiredConfirmations
	if required <= 0 {
		required = t.cfg.RequiredConfirmations
	}
	if confirmations < required {
		t.logger.Debug("Deposit awaiting confirmations",
			"reference", entry.Reference,
			"confirmations", confirmations,
			"required", required)
		return false, nil
	}

	credited, err := t.ledger.CreditWallet(ctx, ledger.CreditRequest{
		UserID:    *entry.UserID,
		Currency:  entry.Currency,
		Chain:     t.cfg.Chain,
		Amount:    entry.Amount,
		Reference: entry.Reference,
		Type:      entities.EntryTypeDeposit,
		Metadata:  entry.Metadata,
	})
	if apperrors.IsDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credit: %w", err)
	}

	metrics.DepositsCredited.WithLabelValues(string(t.cfg.Chain), entry.Currency).Inc()
	t.logger.Info("Deposit confirmed",
		"reference", entry.Reference,
		"currency", entry.Currency,
		"amount", entry.Amount.String(),
		"confirmations", confirmations)

	if t.notifier != nil {
		t.notifier.Notify(ctx, entities.WebhookEventDepositConfirmed, credited)
	}
	if t.sweeper != nil {
		t.sweeper.HandleDeposit(ctx, credited)
	}
	return true, nil
}

func (t *Tracker) reject(ctx context.Context, entry *entities.LedgerEntry, reason string) error {
	if err := t.ledger.MarkFailed(ctx, entry, reason); err != nil {
		if errors.Is(err, apperrors.ErrEntryNotEditable) {
			return nil
		}
		return err
	}
	metrics.DepositsRejected.WithLabelValues(string(t.cfg.Chain), reason).Inc()
	if t.notifier != nil {
		t.notifier.Notify(ctx, entities.WebhookEventDepositRejected, entry)
	}
	return nil
}

func (t *Tracker) expire(ctx context.Context, entry *entities.LedgerEntry) error {
	if err := t.ledger.Expire(ctx, entry, ReasonNotFound); err != nil {
		if errors.Is(err, apperrors.ErrEntryNotEditable) {
			return nil
		}
		return err
	}
	metrics.DepositsRejected.WithLabelValues(string(t.cfg.Chain), ReasonNotFound).Inc()
	t.logger.Warn("Deposit expired without inclusion",
		"reference", entry.Reference,
		"detected_at", entry.CreatedAt)
	if t.notifier != nil {
		t.notifier.Notify(ctx, entities.WebhookEventDepositRejected, entry)
	}
	return nil
}

// Confirmations counts blocks (or slots) on top of the inclusion height.
// UTXO chains count the including block itself.
func Confirmations(c entities.Chain, current, inclusion int64) int64 {
	n := current - inclusion
	if c.IsUTXO() {
		n++
	}
	if n < 0 {
		return 0
	}
	return n
}
