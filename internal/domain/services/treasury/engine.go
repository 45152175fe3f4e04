package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
	"github.com/rail-service/settlement_core/pkg/tracing"
)

// Ledger is the slice of the ledger service the swap engine writes through.
type Ledger interface {
	GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*entities.Wallet, error)
	Post(ctx context.Context, postings []ledger.Posting) ([]*entities.LedgerEntry, error)
}

// Notifier publishes swap events.
type Notifier interface {
	Notify(ctx context.Context, event entities.WebhookEvent, data interface{})
}

// Config holds the treasury identities and pricing.
type Config struct {
	TreasuryUserID uuid.UUID
	FeeUserID      uuid.UUID
	// SpreadPercent is a percentage, so 2.5 means 2.5%.
	SpreadPercent decimal.Decimal
}

// Engine settles currency conversions against the treasury's own wallets.
type Engine struct {
	cfg      Config
	ledger   Ledger
	rates    RateProvider
	notifier Notifier
	clock    clockwork.Clock
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewEngine creates a new swap engine
func NewEngine(cfg Config, ledgerSvc Ledger, rates RateProvider, notifier Notifier, clock clockwork.Clock, log *logger.Logger) (*Engine, error) {
	if cfg.TreasuryUserID == uuid.Nil {
		return nil, fmt.Errorf("treasury user id is required")
	}
	if cfg.FeeUserID == uuid.Nil {
		return nil, fmt.Errorf("fee user id is required")
	}
	if cfg.SpreadPercent.IsNegative() || cfg.SpreadPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("spread percent must be within [0, 100)")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:      cfg,
		ledger:   ledgerSvc,
		rates:    rates,
		notifier: notifier,
		clock:    clock,
		logger:   log,
		tracer:   tracing.Tracer("treasury"),
	}, nil
}

// Quote is a priced conversion.
type Quote struct {
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	SourceAmount  decimal.Decimal `json:"source_amount"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	MarketRate    decimal.Decimal `json:"market_rate"`
	ExecutionRate decimal.Decimal `json:"execution_rate"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	Margin        decimal.Decimal `json:"margin"`
}

// Quote prices amount of from in to at the current market rate less the spread.
func (e *Engine) Quote(ctx context.Context, from, to string, amount decimal.Decimal) (*Quote, error) {
	from = entities.NormalizeCurrency(from)
	to = entities.NormalizeCurrency(to)
	if from == "" || to == "" {
		return nil, apperrors.ValidationError("currency", "both currencies are required")
	}
	if from == to {
		return nil, apperrors.ValidationError("to_currency", "cannot swap a currency into itself")
	}
	if !amount.IsPositive() {
		return nil, apperrors.ErrInvalidAmount
	}

	market, err := e.rates.Rate(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("rate %s/%s: %w", from, to, err)
	}

	spread := e.cfg.SpreadPercent.Div(decimal.NewFromInt(100))
	execution := market.Mul(decimal.NewFromInt(1).Sub(spread))
	target := amount.Mul(execution).Truncate(18)
	if !target.IsPositive() {
		return nil, apperrors.ErrInvalidAmount
	}

	return &Quote{
		FromCurrency:  from,
		ToCurrency:    to,
		SourceAmount:  amount,
		TargetAmount:  target,
		MarketRate:    market,
		ExecutionRate: execution,
		SpreadPercent: e.cfg.SpreadPercent,
		Margin:        amount.Mul(market).Sub(target),
	}, nil
}

// SwapRequest converts a user's balance from one currency to another.
type SwapRequest struct {
	UserID       uuid.UUID
	FromCurrency string
	ToCurrency   string
	Amount       decimal.Decimal
	// Reference is the caller's idempotency key. A replay fails with
	// ErrDuplicateReference and moves nothing.
	Reference string
}

// SwapResult is a settled swap.
type SwapResult struct {
	Reference string                  `json:"reference"`
	Quote     Quote                   `json:"quote"`
	Entries   []*entities.LedgerEntry `json:"entries"`
	SettledAt time.Time               `json:"settled_at"`
}

// Swap debits the user's source wallet, credits the target wallet at the
// execution rate and books the opposite legs on the treasury. All four
// postings commit together or not at all.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	ctx, span := e.tracer.Start(ctx, "treasury.swap", trace.WithAttributes(
		attribute.String("user_id", req.UserID.String()),
		attribute.String("from", req.FromCurrency),
		attribute.String("to", req.ToCurrency),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	if req.UserID == uuid.Nil {
		return nil, apperrors.ValidationError("user_id", "user id is required")
	}
	if req.UserID == e.cfg.TreasuryUserID || req.UserID == e.cfg.FeeUserID {
		return nil, apperrors.ValidationError("user_id", "treasury accounts cannot swap")
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	quote, err := e.Quote(ctx, req.FromCurrency, req.ToCurrency, req.Amount)
	if err != nil {
		return nil, err
	}
	pair := quote.FromCurrency + "/" + quote.ToCurrency

	fail := func(outcome string, err error) (*SwapResult, error) {
		span.RecordError(err)
		metrics.SwapsTotal.WithLabelValues(pair, outcome).Inc()
		return nil, err
	}

	source, err := e.ledger.GetWallet(ctx, req.UserID, quote.FromCurrency)
	if apperrors.IsNotFound(err) || (err == nil && source.Balance.LessThan(quote.SourceAmount)) {
		return fail("insufficient_funds", apperrors.InsufficientFundsError(req.UserID.String(), quote.SourceAmount.String()+" "+quote.FromCurrency))
	}
	if err != nil {
		return fail("error", fmt.Errorf("load source wallet: %w", err))
	}

	if err := e.checkLiquidity(ctx, quote.ToCurrency, quote.TargetAmount); err != nil {
		return fail("insufficient_liquidity", err)
	}

	postings, err := e.buildPostings(req, quote)
	if err != nil {
		return fail("error", err)
	}

	entries, err := e.ledger.Post(ctx, postings)
	if err != nil {
		var pe *ledger.PostingError
		switch {
		case apperrors.IsDuplicate(err):
			return fail("duplicate", fmt.Errorf("swap %s: %w", req.Reference, apperrors.ErrDuplicateReference))
		case apperrors.IsInsufficientFunds(err) && errors.As(err, &pe) && pe.Posting.UserID == e.cfg.TreasuryUserID:
			return fail("insufficient_liquidity", fmt.Errorf("%s: %w", quote.ToCurrency, apperrors.ErrInsufficientLiquidity))
		case apperrors.IsInsufficientFunds(err):
			return fail("insufficient_funds", err)
		}
		return fail("error", fmt.Errorf("post swap %s: %w", req.Reference, err))
	}

	metrics.SwapsTotal.WithLabelValues(pair, "ok").Inc()
	e.logger.Info("Swap settled",
		"reference", req.Reference,
		"user_id", req.UserID,
		"pair", pair,
		"source_amount", quote.SourceAmount.String(),
		"target_amount", quote.TargetAmount.String(),
		"margin", quote.Margin.String())

	e.routeMargin(ctx, req.Reference, quote)

	result := &SwapResult{Reference: req.Reference, Quote: *quote, Entries: entries, SettledAt: e.clock.Now()}
	e.notifier.Notify(ctx, entities.WebhookEventSwapCompleted, map[string]interface{}{
		"user_id":        req.UserID,
		"reference":      req.Reference,
		"from_currency":  quote.FromCurrency,
		"to_currency":    quote.ToCurrency,
		"source_amount":  quote.SourceAmount.String(),
		"target_amount":  quote.TargetAmount.String(),
		"execution_rate": quote.ExecutionRate.String(),
	})
	return result, nil
}

func (e *Engine) checkLiquidity(ctx context.Context, currency string, need decimal.Decimal) error {
	w, err := e.ledger.GetWallet(ctx, e.cfg.TreasuryUserID, currency)
	if apperrors.IsNotFound(err) {
		return fmt.Errorf("no treasury %s wallet: %w", currency, apperrors.ErrInsufficientLiquidity)
	}
	if err != nil {
		return fmt.Errorf("load treasury wallet: %w", err)
	}
	if w.Balance.LessThan(need) {
		return fmt.Errorf("treasury %s holds %s, need %s: %w", currency, w.Balance, need, apperrors.ErrInsufficientLiquidity)
	}
	return nil
}

func (e *Engine) buildPostings(req SwapRequest, q *Quote) ([]ledger.Posting, error) {
	meta := func(leg entities.SwapLeg) entities.EntryMetadata {
		return entities.SwapMeta(entities.SwapMetadata{
			SwapReference: req.Reference,
			Leg:           leg,
			FromCurrency:  q.FromCurrency,
			ToCurrency:    q.ToCurrency,
			SourceAmount:  q.SourceAmount,
			TargetAmount:  q.TargetAmount,
			MarketRate:    q.MarketRate,
			ExecutionRate: q.ExecutionRate,
			SpreadPercent: q.SpreadPercent,
			Margin:        q.Margin,
		})
	}
	leg := func(userID uuid.UUID, currency string, amount decimal.Decimal, l entities.SwapLeg) ledger.Posting {
		return ledger.Posting{
			UserID:    userID,
			Currency:  currency,
			Amount:    amount,
			Reference: legReference(req.Reference, l),
			Type:      entities.EntryTypeSwap,
			Metadata:  meta(l),
		}
	}

	b := ledger.NewPostingBuilder().
		AddDebit(leg(req.UserID, q.FromCurrency, q.SourceAmount, entities.SwapLegUserDebit)).
		AddCredit(leg(req.UserID, q.ToCurrency, q.TargetAmount, entities.SwapLegUserCredit)).
		AddDebit(leg(e.cfg.TreasuryUserID, q.ToCurrency, q.TargetAmount, entities.SwapLegTreasuryDebit)).
		AddCredit(leg(e.cfg.TreasuryUserID, q.FromCurrency, q.SourceAmount, entities.SwapLegTreasuryCredit))
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// routeMargin moves the spread earned on a swap from the treasury to the fee
// account. The swap has already settled, so failures are only logged.
func (e *Engine) routeMargin(ctx context.Context, reference string, q *Quote) {
	if !q.Margin.IsPositive() {
		return
	}
	meta := func(l entities.SwapLeg) entities.EntryMetadata {
		return entities.SwapMeta(entities.SwapMetadata{
			SwapReference: reference,
			Leg:           l,
			FromCurrency:  q.FromCurrency,
			ToCurrency:    q.ToCurrency,
			Margin:        q.Margin,
		})
	}
	b := ledger.NewPostingBuilder().
		AddDebit(ledger.Posting{
			UserID: e.cfg.TreasuryUserID, Currency: q.ToCurrency, Amount: q.Margin,
			Reference: legReference(reference, entities.SwapLegMarginDebit),
			Type:      entities.EntryTypeTransfer, Metadata: meta(entities.SwapLegMarginDebit),
		}).
		AddCredit(ledger.Posting{
			UserID: e.cfg.FeeUserID, Currency: q.ToCurrency, Amount: q.Margin,
			Reference: legReference(reference, entities.SwapLegMarginCredit),
			Type:      entities.EntryTypeTransfer, Metadata: meta(entities.SwapLegMarginCredit),
		})

	if _, err := e.ledger.Post(ctx, b.Build()); err != nil && !apperrors.IsDuplicate(err) {
		e.logger.Error("Failed to route swap margin",
			"reference", reference,
			"currency", q.ToCurrency,
			"margin", q.Margin.String(),
			"error", err)
	}
}

func legReference(swapReference string, leg entities.SwapLeg) string {
	return "swap:" + swapReference + ":" + string(leg)
}
