package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
)

// Direction is the side of a posting.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Posting is one wallet movement within a multi-leg transfer.
type Posting struct {
	Direction Direction
	UserID    uuid.UUID
	Currency  string
	Chain     entities.Chain
	Amount    decimal.Decimal
	Reference string
	Type      entities.EntryType
	Metadata  entities.EntryMetadata
}

// PostingBuilder helps construct multi-leg transfers
type PostingBuilder struct {
	postings []Posting
}

// NewPostingBuilder creates a new posting builder
func NewPostingBuilder() *PostingBuilder {
	return &PostingBuilder{postings: make([]Posting, 0, 4)}
}

// AddDebit adds a debit posting
func (b *PostingBuilder) AddDebit(p Posting) *PostingBuilder {
	p.Direction = Debit
	b.postings = append(b.postings, p)
	return b
}

// AddCredit adds a credit posting
func (b *PostingBuilder) AddCredit(p Posting) *PostingBuilder {
	p.Direction = Credit
	b.postings = append(b.postings, p)
	return b
}

// Build returns the constructed postings
func (b *PostingBuilder) Build() []Posting {
	return b.postings
}

// Validate ensures every currency nets to zero across the postings
func (b *PostingBuilder) Validate() error {
	if len(b.postings) < 2 {
		return fmt.Errorf("transfer must have at least 2 postings")
	}

	net := map[string]decimal.Decimal{}
	for _, p := range b.postings {
		if !p.Amount.IsPositive() {
			return apperrors.ErrInvalidAmount
		}
		currency := entities.NormalizeCurrency(p.Currency)
		switch p.Direction {
		case Debit:
			net[currency] = net[currency].Sub(p.Amount)
		case Credit:
			net[currency] = net[currency].Add(p.Amount)
		default:
			return fmt.Errorf("posting %s has no direction", p.Reference)
		}
	}

	for currency, n := range net {
		if !n.IsZero() {
			return fmt.Errorf("unbalanced transfer: %s nets %s", currency, n.String())
		}
	}
	return nil
}

// PostingError identifies the posting that aborted a Post.
type PostingError struct {
	Index   int
	Posting Posting
	Err     error
}

func (e *PostingError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Posting.Direction, e.Posting.Reference, e.Err)
}

func (e *PostingError) Unwrap() error { return e.Err }

// Post applies every posting in one transaction. Any failure, including a
// duplicate reference, rolls back all of them.
func (s *Service) Post(ctx context.Context, postings []Posting) ([]*entities.LedgerEntry, error) {
	out := make([]*entities.LedgerEntry, 0, len(postings))
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		out = out[:0]
		for i, p := range postings {
			var (
				entry *entities.LedgerEntry
				err   error
			)
			switch p.Direction {
			case Debit:
				entry, err = s.DebitWallet(ctx, DebitRequest{
					UserID: p.UserID, Currency: p.Currency, Amount: p.Amount,
					Reference: p.Reference, Type: p.Type, Metadata: p.Metadata,
				})
			case Credit:
				entry, err = s.CreditWallet(ctx, CreditRequest{
					UserID: p.UserID, Currency: p.Currency, Chain: p.Chain, Amount: p.Amount,
					Reference: p.Reference, Type: p.Type, Metadata: p.Metadata,
				})
			default:
				err = fmt.Errorf("posting %s has no direction", p.Reference)
			}
			if err != nil {
				return &PostingError{Index: i, Posting: p, Err: err}
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdminAdjustment is an operator-initiated treasury movement.
type AdminAdjustment struct {
	UserID    uuid.UUID
	Currency  string
	Chain     entities.Chain
	Amount    decimal.Decimal
	Reason    string
	Operator  string
	Reference string
}

func (a *AdminAdjustment) normalize(kind string) error {
	if strings.TrimSpace(a.Reason) == "" {
		return apperrors.ErrReasonRequired
	}
	if a.Operator == "" {
		return apperrors.ValidationError("operator", "operator is required")
	}
	if a.Reference == "" {
		a.Reference = fmt.Sprintf("admin:%s:%s", kind, uuid.NewString())
	}
	return nil
}

// AdminCredit funds a wallet outside any on-chain event. A reason is mandatory.
func (s *Service) AdminCredit(ctx context.Context, adj AdminAdjustment) (*entities.LedgerEntry, error) {
	if err := adj.normalize("credit"); err != nil {
		return nil, err
	}
	entry, err := s.CreditWallet(ctx, CreditRequest{
		UserID:    adj.UserID,
		Currency:  adj.Currency,
		Chain:     adj.Chain,
		Amount:    adj.Amount,
		Reference: adj.Reference,
		Type:      entities.EntryTypeAdminCredit,
		Metadata:  entities.AdminMeta(entities.AdminMetadata{Reason: adj.Reason, Operator: adj.Operator}),
	})
	if err == nil {
		s.logger.Warn("Admin credit applied",
			"operator", adj.Operator, "user_id", adj.UserID, "currency", adj.Currency,
			"amount", adj.Amount.String(), "reason", adj.Reason)
	}
	return entry, err
}

// AdminDebit removes funds from a wallet. A reason is mandatory.
func (s *Service) AdminDebit(ctx context.Context, adj AdminAdjustment) (*entities.LedgerEntry, error) {
	if err := adj.normalize("debit"); err != nil {
		return nil, err
	}
	entry, err := s.DebitWallet(ctx, DebitRequest{
		UserID:    adj.UserID,
		Currency:  adj.Currency,
		Amount:    adj.Amount,
		Reference: adj.Reference,
		Type:      entities.EntryTypeAdminDebit,
		Metadata:  entities.AdminMeta(entities.AdminMetadata{Reason: adj.Reason, Operator: adj.Operator}),
	})
	if err == nil {
		s.logger.Warn("Admin debit applied",
			"operator", adj.Operator, "user_id", adj.UserID, "currency", adj.Currency,
			"amount", adj.Amount.String(), "reason", adj.Reason)
	}
	return entry, err
}
