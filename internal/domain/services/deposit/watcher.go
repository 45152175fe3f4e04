// Package deposit discovers inbound transfers to custodial addresses. One
// Watcher runs per chain; it only records deposits as confirming and never
// touches balances.
package deposit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
	"github.com/rail-service/settlement_core/pkg/scheduler"
	"github.com/rail-service/settlement_core/pkg/security"
)

// Recorder persists detected transfers together with the advanced cursor.
type Recorder interface {
	RecordDetectedDeposits(ctx context.Context, wallet *entities.Wallet, transfers []entities.DetectedTransfer, cursor entities.WalletCursor, requiredConfirmations int64) ([]*entities.LedgerEntry, error)
	ListConfirming(ctx context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error)
}

const confirmingPageSize = 500

// Notifier receives deposit.detected events.
type Notifier interface {
	Notify(ctx context.Context, event entities.WebhookEvent, data interface{})
}

// Config tunes one chain's watcher.
type Config struct {
	Chain                 entities.Chain
	Assets                []entities.Asset
	RequiredConfirmations int64
	MaxConcurrency        int
	// Once more than BatchThreshold wallets are watched, scans run in groups
	// of BatchSize separated by BatchDelay.
	BatchThreshold int
	BatchSize      int
	BatchDelay     time.Duration
}

// AddressStatus is the watcher's view of one address.
type AddressStatus struct {
	WalletID  uuid.UUID           `json:"wallet_id"`
	Address   string              `json:"address"`
	Currency  string              `json:"currency"`
	State     entities.WatchState `json:"state"`
	LastScan  *time.Time          `json:"last_scan,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Chain     entities.Chain  `json:"chain"`
	LastTick  *time.Time      `json:"last_tick,omitempty"`
	Watched   int             `json:"watched"`
	Scanning  int             `json:"scanning"`
	Failing   int             `json:"failing"`
	Addresses []AddressStatus `json:"addresses,omitempty"`
}

type Watcher struct {
	cfg      Config
	scanner  chain.Scanner
	wallets  repositories.WalletRepository
	recorder Recorder
	notifier Notifier
	assets   map[string]entities.Asset
	clock    clockwork.Clock
	logger   *logger.Logger

	mu       sync.RWMutex
	states   map[uuid.UUID]*AddressStatus
	lastTick *time.Time
}

func NewWatcher(cfg Config, scanner chain.Scanner, wallets repositories.WalletRepository, recorder Recorder, notifier Notifier, clock clockwork.Clock, log *logger.Logger) *Watcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.MaxConcurrency * 4
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	assets := make(map[string]entities.Asset, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[entities.NormalizeCurrency(a.Symbol)] = a
	}
	return &Watcher{
		cfg:      cfg,
		scanner:  scanner,
		wallets:  wallets,
		recorder: recorder,
		notifier: notifier,
		assets:   assets,
		clock:    clock,
		logger:   log.With("chain", string(cfg.Chain)),
		states:   map[uuid.UUID]*AddressStatus{},
	}
}

// Chain returns the chain this watcher scans.
func (w *Watcher) Chain() entities.Chain {
	return w.cfg.Chain
}

// Tick scans every watched address once. A failing address is logged and
// left for the next tick; it never stops the others.
func (w *Watcher) Tick(ctx context.Context) error {
	started := w.clock.Now()
	defer func() {
		metrics.WatcherTickDuration.WithLabelValues(string(w.cfg.Chain)).Observe(w.clock.Since(started).Seconds())
	}()

	wallets, err := w.wallets.ListWatched(ctx, w.cfg.Chain)
	if err != nil {
		return fmt.Errorf("list watched wallets: %w", err)
	}
	confirming, err := w.confirmingWallets(ctx)
	if err != nil {
		return err
	}
	w.prune(wallets)

	batched := w.cfg.BatchThreshold > 0 && len(wallets) > w.cfg.BatchThreshold
	for offset := 0; offset < len(wallets); {
		end := len(wallets)
		if batched && offset+w.cfg.BatchSize < end {
			end = offset + w.cfg.BatchSize
		}

		g := new(errgroup.Group)
		g.SetLimit(w.cfg.MaxConcurrency)
		for _, wallet := range wallets[offset:end] {
			wallet := wallet
			g.Go(func() error {
				w.scanWallet(ctx, wallet, confirming[wallet.ID])
				return nil
			})
		}
		_ = g.Wait()

		offset = end
		if batched && offset < len(wallets) {
			if err := scheduler.Sleep(ctx, w.clock, w.cfg.BatchDelay); err != nil {
				return err
			}
		}
	}

	now := w.clock.Now().UTC()
	w.mu.Lock()
	w.lastTick = &now
	w.mu.Unlock()
	return nil
}

func (w *Watcher) confirmingWallets(ctx context.Context) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool)
	var after entities.EntryCursor
	for {
		entries, err := w.recorder.ListConfirming(ctx, w.cfg.Chain, after, confirmingPageSize)
		if err != nil {
			return nil, fmt.Errorf("list confirming deposits: %w", err)
		}
		for _, e := range entries {
			if e.WalletID != nil {
				out[*e.WalletID] = true
			}
		}
		if len(entries) < confirmingPageSize {
			return out, nil
		}
		after = entities.CursorAt(entries[len(entries)-1])
	}
}

func (w *Watcher) scanWallet(ctx context.Context, wallet *entities.Wallet, hasConfirming bool) {
	asset, ok := w.assets[wallet.Currency]
	if !ok {
		w.setState(wallet, entities.WatchStateIdle, fmt.Errorf("no asset configured for %s", wallet.Currency))
		return
	}
	w.setState(wallet, entities.WatchStateScanning, nil)

	result, err := w.scanner.Scan(ctx, wallet, asset)
	if err != nil {
		metrics.WatcherScanErrors.WithLabelValues(string(w.cfg.Chain)).Inc()
		w.logger.Warn("Address scan failed",
			"address", security.MaskAddress(wallet.Address),
			"currency", wallet.Currency,
			"error", err)
		w.setState(wallet, idleOrConfirming(hasConfirming), err)
		return
	}

	if len(result.Transfers) == 0 && cursorEqual(result.Cursor, wallet.Cursor) {
		w.setState(wallet, idleOrConfirming(hasConfirming), nil)
		return
	}

	recorded, err := w.recorder.RecordDetectedDeposits(ctx, wallet, result.Transfers, result.Cursor, w.cfg.RequiredConfirmations)
	if err != nil {
		w.logger.Error("Failed to record detected deposits",
			"address", security.MaskAddress(wallet.Address),
			"transfers", len(result.Transfers),
			"error", err)
		w.setState(wallet, idleOrConfirming(hasConfirming), err)
		return
	}
	wallet.Cursor = result.Cursor

	if len(recorded) > 0 {
		metrics.DepositsDetected.WithLabelValues(string(w.cfg.Chain)).Add(float64(len(recorded)))
		w.logger.Info("Deposits detected",
			"address", security.MaskAddress(wallet.Address),
			"currency", wallet.Currency,
			"count", len(recorded))
		for _, entry := range recorded {
			if w.notifier != nil {
				w.notifier.Notify(ctx, entities.WebhookEventDepositDetected, entry)
			}
		}
	}
	w.setState(wallet, idleOrConfirming(hasConfirming || len(recorded) > 0), nil)
}

func idleOrConfirming(confirming bool) entities.WatchState {
	if confirming {
		return entities.WatchStateConfirming
	}
	return entities.WatchStateIdle
}

func (w *Watcher) setState(wallet *entities.Wallet, state entities.WatchState, scanErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[wallet.ID]
	if !ok {
		st = &AddressStatus{WalletID: wallet.ID, Address: wallet.Address, Currency: wallet.Currency}
		w.states[wallet.ID] = st
	}
	st.State = state
	if state == entities.WatchStateScanning {
		return
	}
	now := w.clock.Now().UTC()
	st.LastScan = &now
	st.LastError = ""
	if scanErr != nil {
		st.LastError = scanErr.Error()
	}
}

// prune forgets addresses that are no longer watched.
func (w *Watcher) prune(wallets []*entities.Wallet) {
	keep := make(map[uuid.UUID]struct{}, len(wallets))
	for _, wl := range wallets {
		keep[wl.ID] = struct{}{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.states {
		if _, ok := keep[id]; !ok {
			delete(w.states, id)
		}
	}
}

// Status returns a copy of the per-address state.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Status{Chain: w.cfg.Chain, Watched: len(w.states)}
	if w.lastTick != nil {
		t := *w.lastTick
		s.LastTick = &t
	}
	for _, st := range w.states {
		cp := *st
		cp.Address = security.MaskAddress(cp.Address)
		if cp.State == entities.WatchStateScanning {
			s.Scanning++
		}
		if cp.LastError != "" {
			s.Failing++
		}
		s.Addresses = append(s.Addresses, cp)
	}
	sort.Slice(s.Addresses, func(i, j int) bool { return s.Addresses[i].Address < s.Addresses[j].Address })
	return s
}

// State returns the current state of one wallet's address.
func (w *Watcher) State(walletID uuid.UUID) entities.WatchState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if st, ok := w.states[walletID]; ok {
		return st.State
	}
	return entities.WatchStateIdle
}

func cursorEqual(a, b entities.WalletCursor) bool {
	if a.BlockHeight != b.BlockHeight || a.Timestamp != b.Timestamp || a.Signature != b.Signature ||
		a.LastTxID != b.LastTxID || a.NativeHeight != b.NativeHeight ||
		a.PendingTip != b.PendingTip || a.ResumeBefore != b.ResumeBefore {
		return false
	}
	switch {
	case a.NativeBalance == nil && b.NativeBalance == nil:
		return true
	case a.NativeBalance == nil || b.NativeBalance == nil:
		return false
	default:
		return a.NativeBalance.Equal(*b.NativeBalance)
	}
}
