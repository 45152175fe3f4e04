package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

// LedgerRepository is the in-memory ledger.
type LedgerRepository struct{ s *Store }

func copyEntry(e *entities.LedgerEntry) *entities.LedgerEntry {
	cp := *e
	cp.Metadata = cloneMetadata(e.Metadata)
	return &cp
}

func (r *LedgerRepository) GetByReference(_ context.Context, reference string) (*entities.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entries[reference]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return copyEntry(e), nil
}

func (r *LedgerRepository) GetByReferenceForUpdate(ctx context.Context, reference string) (*entities.LedgerEntry, error) {
	return r.GetByReference(ctx, reference)
}

func (r *LedgerRepository) Insert(_ context.Context, entry *entities.LedgerEntry) (bool, error) {
	if err := entry.Metadata.Validate(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.entries[entry.Reference]; exists {
		return false, nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	if entry.Status == entities.EntryStatusCompleted && entry.CompletedAt == nil {
		entry.CompletedAt = &now
	}
	r.s.entries[entry.Reference] = copyEntry(entry)
	return true, nil
}

func (r *LedgerRepository) UpsertDetected(_ context.Context, entry *entities.LedgerEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry.Status = entities.EntryStatusConfirming
	if existing, ok := r.s.entries[entry.Reference]; ok {
		if existing.Status != entities.EntryStatusPending {
			return false, nil
		}
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
	} else {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
	}
	entry.UpdatedAt = time.Now().UTC()
	r.s.entries[entry.Reference] = copyEntry(entry)
	return true, nil
}

func (r *LedgerRepository) byID(id uuid.UUID) *entities.LedgerEntry {
	for _, e := range r.s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *LedgerRepository) Complete(_ context.Context, entry *entities.LedgerEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.byID(entry.ID)
	if e == nil || e.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	entry.Status = entities.EntryStatusCompleted
	entry.UpdatedAt = now
	entry.CompletedAt = &now
	r.s.entries[e.Reference] = copyEntry(entry)
	return true, nil
}

func (r *LedgerRepository) UpdateMetadata(_ context.Context, id uuid.UUID, metadata entities.EntryMetadata) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.byID(id)
	if e == nil || e.Status.IsTerminal() {
		return apperrors.ErrEntryNotEditable
	}
	e.Metadata = cloneMetadata(metadata)
	return nil
}

func (r *LedgerRepository) MarkFailed(_ context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error) {
	return r.terminate(id, entities.EntryStatusFailed, metadata), nil
}

func (r *LedgerRepository) MarkExpired(_ context.Context, id uuid.UUID, metadata entities.EntryMetadata) (bool, error) {
	return r.terminate(id, entities.EntryStatusExpired, metadata), nil
}

func (r *LedgerRepository) terminate(id uuid.UUID, status entities.EntryStatus, metadata entities.EntryMetadata) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e := r.byID(id)
	if e == nil || e.Status.IsTerminal() {
		return false
	}
	e.Status = status
	e.Metadata = cloneMetadata(metadata)
	return true
}

func (r *LedgerRepository) ListConfirming(_ context.Context, chain entities.Chain, after entities.EntryCursor, limit int) ([]*entities.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entities.LedgerEntry
	for _, e := range r.s.entries {
		if e.Status != entities.EntryStatusConfirming || e.Metadata.Deposit == nil || e.Metadata.Deposit.Chain != chain {
			continue
		}
		if after.Precedes(e) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return entities.CursorAt(out[i]).Precedes(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LedgerRepository) List(_ context.Context, f entities.EntryFilter) ([]*entities.LedgerEntry, int64, error) {
	f.Normalize()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []*entities.LedgerEntry
	for _, e := range r.s.entries {
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.WalletID != nil && (e.WalletID == nil || *e.WalletID != *f.WalletID) {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Currency != "" && e.Currency != f.Currency {
			continue
		}
		if f.Chain != "" && (e.Metadata.Deposit == nil || e.Metadata.Deposit.Chain != f.Chain) {
			continue
		}
		matched = append(matched, copyEntry(e))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

// All returns every entry, for assertions.
func (r *LedgerRepository) All() []*entities.LedgerEntry {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*entities.LedgerEntry, 0, len(r.s.entries))
	for _, e := range r.s.entries {
		out = append(out, copyEntry(e))
	}
	return out
}
