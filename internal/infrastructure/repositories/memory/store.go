// Package memory holds map-backed repositories used by service tests and
// local development. Transactions snapshot the whole store and restore it on
// error, so rollback behaviour matches Postgres for a single process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

type txKey struct{}

// Store backs every in-memory repository.
type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	wallets  map[uuid.UUID]*entities.Wallet
	entries  map[string]*entities.LedgerEntry
	sweeps   map[uuid.UUID]*entities.SweepQueueItem
	webhooks map[uuid.UUID]*entities.WebhookQueueItem
	nextIdx  int64
}

func NewStore() *Store {
	return &Store{
		wallets:  map[uuid.UUID]*entities.Wallet{},
		entries:  map[string]*entities.LedgerEntry{},
		sweeps:   map[uuid.UUID]*entities.SweepQueueItem{},
		webhooks: map[uuid.UUID]*entities.WebhookQueueItem{},
	}
}

type snapshot struct {
	wallets  map[uuid.UUID]entities.Wallet
	entries  map[string]entities.LedgerEntry
	sweeps   map[uuid.UUID]entities.SweepQueueItem
	webhooks map[uuid.UUID]entities.WebhookQueueItem
	nextIdx  int64
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		wallets:  make(map[uuid.UUID]entities.Wallet, len(s.wallets)),
		entries:  make(map[string]entities.LedgerEntry, len(s.entries)),
		sweeps:   make(map[uuid.UUID]entities.SweepQueueItem, len(s.sweeps)),
		webhooks: make(map[uuid.UUID]entities.WebhookQueueItem, len(s.webhooks)),
		nextIdx:  s.nextIdx,
	}
	for k, v := range s.wallets {
		snap.wallets[k] = *v
	}
	for k, v := range s.entries {
		e := *v
		e.Metadata = cloneMetadata(v.Metadata)
		snap.entries[k] = e
	}
	for k, v := range s.sweeps {
		snap.sweeps[k] = *v
	}
	for k, v := range s.webhooks {
		snap.webhooks[k] = *v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = make(map[uuid.UUID]*entities.Wallet, len(snap.wallets))
	for k, v := range snap.wallets {
		w := v
		s.wallets[k] = &w
	}
	s.entries = make(map[string]*entities.LedgerEntry, len(snap.entries))
	for k, v := range snap.entries {
		e := v
		s.entries[k] = &e
	}
	s.sweeps = make(map[uuid.UUID]*entities.SweepQueueItem, len(snap.sweeps))
	for k, v := range snap.sweeps {
		i := v
		s.sweeps[k] = &i
	}
	s.webhooks = make(map[uuid.UUID]*entities.WebhookQueueItem, len(snap.webhooks))
	for k, v := range snap.webhooks {
		i := v
		s.webhooks[k] = &i
	}
	s.nextIdx = snap.nextIdx
}

// WithinTransaction serialises transactions and restores the store when fn fails.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func cloneMetadata(m entities.EntryMetadata) entities.EntryMetadata {
	out := entities.EntryMetadata{Kind: m.Kind}
	if m.Deposit != nil {
		d := *m.Deposit
		out.Deposit = &d
	}
	if m.Sweep != nil {
		sw := *m.Sweep
		out.Sweep = &sw
	}
	if m.Swap != nil {
		sp := *m.Swap
		out.Swap = &sp
	}
	if m.Admin != nil {
		a := *m.Admin
		out.Admin = &a
	}
	return out
}

// Wallets returns the WalletRepository view.
func (s *Store) Wallets() *WalletRepository { return &WalletRepository{s: s} }

// Ledger returns the LedgerRepository view.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// SweepQueue returns the SweepQueueRepository view.
func (s *Store) SweepQueue() *SweepQueueRepository { return &SweepQueueRepository{s: s} }

// WebhookQueue returns the WebhookQueueRepository view.
func (s *Store) WebhookQueue() *WebhookQueueRepository { return &WebhookQueueRepository{s: s} }

// WalletRepository is the in-memory wallet store.
type WalletRepository struct{ s *Store }

func (r *WalletRepository) Create(_ context.Context, w *entities.Wallet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.wallets {
		if existing.UserID == w.UserID && existing.Currency == w.Currency {
			return apperrors.ErrConflict
		}
		if w.Address != "" && existing.Chain == w.Chain && existing.Address == w.Address {
			return apperrors.ErrConflict
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	cp := *w
	r.s.wallets[w.ID] = &cp
	return nil
}

func (r *WalletRepository) find(match func(*entities.Wallet) bool) (*entities.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, w := range r.s.wallets {
		if match(w) {
			cp := *w
			return &cp, nil
		}
	}
	return nil, apperrors.ErrWalletNotFound
}

func (r *WalletRepository) GetByID(_ context.Context, id uuid.UUID) (*entities.Wallet, error) {
	return r.find(func(w *entities.Wallet) bool { return w.ID == id })
}

func (r *WalletRepository) GetByUserCurrency(_ context.Context, userID uuid.UUID, currency string) (*entities.Wallet, error) {
	return r.find(func(w *entities.Wallet) bool { return w.UserID == userID && w.Currency == currency })
}

func (r *WalletRepository) GetByAddress(_ context.Context, chain entities.Chain, address string) (*entities.Wallet, error) {
	return r.find(func(w *entities.Wallet) bool { return w.Chain == chain && w.Address == address })
}

func (r *WalletRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string, chain entities.Chain) (*entities.Wallet, error) {
	if w, err := r.GetByUserCurrency(ctx, userID, currency); err == nil {
		return w, nil
	}
	w := &entities.Wallet{UserID: userID, Currency: currency, Chain: chain, Balance: decimal.Zero}
	if err := r.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WalletRepository) ListWatched(_ context.Context, chain entities.Chain) ([]*entities.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entities.Wallet
	for _, w := range r.s.wallets {
		if w.Chain == chain && w.Watched && w.Address != "" {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (r *WalletRepository) ListBalances(_ context.Context, userID uuid.UUID) ([]*entities.Balance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entities.Balance
	for _, w := range r.s.wallets {
		if w.UserID == userID {
			out = append(out, &entities.Balance{
				WalletID: w.ID, Currency: w.Currency, Chain: w.Chain,
				Address: w.Address, Balance: w.Balance, UpdatedAt: w.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (r *WalletRepository) Increment(_ context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[walletID]
	if !ok {
		return decimal.Zero, apperrors.ErrWalletNotFound
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return w.Balance, nil
}

func (r *WalletRepository) DecrementIfSufficient(_ context.Context, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[walletID]
	if !ok {
		return decimal.Zero, apperrors.ErrWalletNotFound
	}
	if w.Balance.LessThan(amount) {
		return decimal.Zero, apperrors.InsufficientFundsError(walletID.String(), amount.String())
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	return w.Balance, nil
}

func (r *WalletRepository) UpdateCursor(_ context.Context, walletID uuid.UUID, cursor entities.WalletCursor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[walletID]
	if !ok {
		return apperrors.ErrWalletNotFound
	}
	w.Cursor = cursor
	return nil
}

func (r *WalletRepository) AttachAddress(_ context.Context, walletID uuid.UUID, address, encryptedKey string, index int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[walletID]
	if !ok {
		return apperrors.ErrWalletNotFound
	}
	if w.Address != "" {
		return apperrors.ErrConflict
	}
	w.Address = address
	w.EncryptedKey = &encryptedKey
	w.DerivationIndex = &index
	w.Watched = true
	return nil
}

func (r *WalletRepository) NextDerivationIndex(context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextIdx++
	return r.s.nextIdx, nil
}

// SetBalance seeds a wallet balance.
func (r *WalletRepository) SetBalance(walletID uuid.UUID, balance decimal.Decimal) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if w, ok := r.s.wallets[walletID]; ok {
		w.Balance = balance
	}
}
