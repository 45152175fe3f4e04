// Package sweep moves credited deposits from per-user addresses into the
// chain's hot wallet, funding native gas from the treasury when needed.
// Failures are never retried inline; they go to the durable sweep queue.
package sweep

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
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/metrics"
	"github.com/rail-service/settlement_core/pkg/retry"
	"github.com/rail-service/settlement_core/pkg/security"
	"github.com/rail-service/settlement_core/pkg/tracing"
)

// Keys scopes access to decrypted signing keys.
type Keys interface {
	WithSigningKey(ctx context.Context, walletID uuid.UUID, fn func(*vault.SigningKey) error) error
	TreasuryKey(ctx context.Context, chain entities.Chain, fn func(*vault.SigningKey) error) error
}

// Recorder writes the sweep ledger entry.
type Recorder interface {
	RecordEntry(ctx context.Context, entry *entities.LedgerEntry) (*entities.LedgerEntry, error)
}

// Alerter pages an operator.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

type Notifier interface {
	Notify(ctx context.Context, event entities.WebhookEvent, data interface{})
}

// ChainConfig is the sweep policy of one chain.
type ChainConfig struct {
	Enabled   bool
	HotWallet string
	Assets    []entities.Asset
	// MinGasFunding is the smallest top-up sent to a deposit address.
	MinGasFunding decimal.Decimal
	// TreasuryTransferFee is the floor for the treasury's own transfer fee.
	TreasuryTransferFee decimal.Decimal
}

func (c ChainConfig) asset(currency string) (entities.Asset, bool) {
	for _, a := range c.Assets {
		if a.Symbol == entities.NormalizeCurrency(currency) {
			return a, true
		}
	}
	return entities.Asset{}, false
}

// Config holds per-chain policies and queue tuning.
type Config struct {
	Chains    map[entities.Chain]ChainConfig
	Policy    retry.Policy
	BatchSize int
	// GasPollInterval is how long a sweep waits before re-checking a gas top-up.
	GasPollInterval time.Duration
	// GasFundingMargin scales the estimated fee into the top-up amount.
	GasFundingMargin decimal.Decimal
}

// Request identifies one deposit to sweep.
type Request struct {
	WalletID         uuid.UUID
	Currency         string
	Amount           decimal.Decimal
	DepositReference string
	GasFundingTxHash string
}

// Result describes a broadcast sweep.
type Result struct {
	TxHash           string
	Amount           decimal.Decimal
	Fee              decimal.Decimal
	GasFundingTxHash string
}

// GasPendingError carries the top-up transaction a deferred sweep waits on.
type GasPendingError struct {
	TxHash string
}

func (e *GasPendingError) Error() string {
	return fmt.Sprintf("gas funding %s pending", e.TxHash)
}

func (e *GasPendingError) Unwrap() error {
	return apperrors.ErrGasFundingPending
}

type Engine struct {
	cfg      Config
	clients  chain.Registry
	wallets  repositories.WalletRepository
	queue    repositories.SweepQueueRepository
	recorder Recorder
	keys     Keys
	alerter  Alerter
	notifier Notifier
	clock    clockwork.Clock
	logger   *logger.Logger
	tracer   trace.Tracer
}

func NewEngine(
	cfg Config,
	clients chain.Registry,
	wallets repositories.WalletRepository,
	queue repositories.SweepQueueRepository,
	recorder Recorder,
	keys Keys,
	alerter Alerter,
	notifier Notifier,
	clock clockwork.Clock,
	log *logger.Logger,
) (*Engine, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("sweep retry policy: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.GasPollInterval <= 0 {
		cfg.GasPollInterval = time.Minute
	}
	if !cfg.GasFundingMargin.IsPositive() {
		cfg.GasFundingMargin = decimal.RequireFromString("1.5")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:      cfg,
		clients:  clients,
		wallets:  wallets,
		queue:    queue,
		recorder: recorder,
		keys:     keys,
		alerter:  alerter,
		notifier: notifier,
		clock:    clock,
		logger:   log,
		tracer:   tracing.Tracer("sweep"),
	}, nil
}

// Enabled reports whether deposits of currency on c are swept.
func (e *Engine) Enabled(c entities.Chain, currency string) bool {
	cc, ok := e.cfg.Chains[c]
	if !ok || !cc.Enabled || cc.HotWallet == "" {
		return false
	}
	asset, ok := cc.asset(currency)
	return ok && asset.SweepEnabled
}

// Sweep broadcasts one sweep. It returns a *GasPendingError while a gas
// top-up for the deposit address is unconfirmed.
func (e *Engine) Sweep(ctx context.Context, req Request) (result *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "sweep.sweep_deposit", trace.WithAttributes(
		attribute.String("deposit_reference", req.DepositReference),
		attribute.String("currency", req.Currency),
	))
	defer func() { tracing.EndSpan(span, err) }()

	wallet, err := e.wallets.GetByID(ctx, req.WalletID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if !e.Enabled(wallet.Chain, req.Currency) {
		return nil, apperrors.ErrSweepDisabled
	}
	cc := e.cfg.Chains[wallet.Chain]
	asset, _ := cc.asset(req.Currency)
	client, ok := e.clients.Get(wallet.Chain)
	if !ok {
		return nil, apperrors.ErrUnsupportedChain
	}

	transfer := chain.TransferRequest{Asset: asset, From: wallet.Address, To: cc.HotWallet, Amount: req.Amount}
	fee, err := client.EstimateFee(ctx, transfer)
	if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}

	result = &Result{Amount: req.Amount, Fee: fee, GasFundingTxHash: req.GasFundingTxHash}
	if asset.IsNative() {
		result.Amount = req.Amount.Sub(fee)
		if !result.Amount.IsPositive() {
			return nil, fmt.Errorf("deposit %s below fee %s: %w", req.Amount, fee, apperrors.ErrNothingToSweep)
		}
		transfer.Amount = result.Amount
	} else if err := e.ensureGas(ctx, client, wallet, cc, fee, req.GasFundingTxHash); err != nil {
		return nil, err
	}

	err = e.keys.WithSigningKey(ctx, wallet.ID, func(key *vault.SigningKey) error {
		txHash, err := client.Send(ctx, key, transfer)
		if err != nil {
			return err
		}
		result.TxHash = txHash
		return nil
	})
	if err != nil {
		metrics.SweepsTotal.WithLabelValues(string(wallet.Chain), "error").Inc()
		return nil, fmt.Errorf("broadcast sweep: %w", err)
	}

	e.record(ctx, wallet, cc, req, result)
	metrics.SweepsTotal.WithLabelValues(string(wallet.Chain), "ok").Inc()
	e.logger.Info("Deposit swept",
		"chain", wallet.Chain,
		"deposit_reference", req.DepositReference,
		"tx_hash", result.TxHash,
		"amount", result.Amount.String(),
		"from", security.MaskAddress(wallet.Address))
	if e.notifier != nil {
		e.notifier.Notify(ctx, entities.WebhookEventSweepCompleted, result)
	}
	return result, nil
}

// record writes the sweep entry. The transfer is already on chain, so a
// failure here is logged rather than returned.
func (e *Engine) record(ctx context.Context, wallet *entities.Wallet, cc ChainConfig, req Request, res *Result) {
	_, err := e.recorder.RecordEntry(ctx, &entities.LedgerEntry{
		UserID:    &wallet.UserID,
		WalletID:  &wallet.ID,
		Type:      entities.EntryTypeSweep,
		Status:    entities.EntryStatusCompleted,
		Amount:    res.Amount,
		Currency:  wallet.Currency,
		Reference: res.TxHash,
		Metadata: entities.SweepMeta(entities.SweepMetadata{
			Chain:            wallet.Chain,
			SweepTxHash:      res.TxHash,
			DepositReference: req.DepositReference,
			FromAddress:      wallet.Address,
			ToAddress:        cc.HotWallet,
			GasFundingTxHash: res.GasFundingTxHash,
			Fee:              res.Fee,
		}),
	})
	if err != nil && !apperrors.IsDuplicate(err) {
		e.logger.Error("Failed to record sweep entry",
			"tx_hash", res.TxHash,
			"deposit_reference", req.DepositReference,
			"error", err)
	}
}

// ensureGas makes sure the deposit address holds enough native coin to pay
// fee. A top-up is only trusted once its transaction is included on chain.
func (e *Engine) ensureGas(ctx context.Context, client chain.Client, wallet *entities.Wallet, cc ChainConfig, fee decimal.Decimal, pendingTx string) error {
	if pendingTx != "" {
		inc, err := client.Inclusion(ctx, pendingTx)
		if err != nil {
			return fmt.Errorf("gas funding status: %w", err)
		}
		if !inc.Found {
			return &GasPendingError{TxHash: pendingTx}
		}
		if inc.Reverted {
			e.logger.Warn("Gas funding transaction reverted", "tx_hash", pendingTx, "chain", wallet.Chain)
		}
	}

	balance, err := client.NativeBalance(ctx, wallet.Address)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	if balance.GreaterThanOrEqual(fee) {
		return nil
	}

	topUp := fee.Mul(e.cfg.GasFundingMargin).Sub(balance)
	if topUp.LessThan(cc.MinGasFunding) {
		topUp = cc.MinGasFunding
	}
	txHash, err := e.fundGas(ctx, client, wallet, cc, topUp)
	if err != nil {
		return err
	}
	return &GasPendingError{TxHash: txHash}
}

// fundGas sends topUp from the treasury after checking the treasury can
// cover both the top-up and its own transfer fee.
func (e *Engine) fundGas(ctx context.Context, client chain.Client, wallet *entities.Wallet, cc ChainConfig, topUp decimal.Decimal) (string, error) {
	native := entities.Asset{
		Symbol:   wallet.Chain.NativeSymbol(),
		Chain:    wallet.Chain,
		Decimals: wallet.Chain.NativeDecimals(),
	}

	var txHash string
	err := e.keys.TreasuryKey(ctx, wallet.Chain, func(key *vault.SigningKey) error {
		transfer := chain.TransferRequest{Asset: native, From: key.Address, To: wallet.Address, Amount: topUp}

		treasuryFee, err := client.EstimateFee(ctx, transfer)
		if err != nil {
			return fmt.Errorf("estimate treasury fee: %w", err)
		}
		if treasuryFee.LessThan(cc.TreasuryTransferFee) {
			treasuryFee = cc.TreasuryTransferFee
		}
		balance, err := client.NativeBalance(ctx, key.Address)
		if err != nil {
			return fmt.Errorf("treasury balance: %w", err)
		}
		required := topUp.Add(treasuryFee)
		if balance.LessThan(required) {
			e.alert(ctx, fmt.Sprintf("Treasury gas wallet exhausted on %s", wallet.Chain),
				fmt.Sprintf("Treasury %s holds %s %s, needs %s to fund %s.",
					key.Address, balance, native.Symbol, required, wallet.Address))
			return fmt.Errorf("treasury holds %s, needs %s: %w", balance, required, apperrors.ErrTreasuryGasExhausted)
		}

		txHash, err = client.Send(ctx, key, transfer)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fund gas: %w", err)
	}

	metrics.SweepsTotal.WithLabelValues(string(wallet.Chain), "gas_funded").Inc()
	e.logger.Info("Gas top-up sent",
		"chain", wallet.Chain,
		"address", security.MaskAddress(wallet.Address),
		"amount", topUp.String(),
		"tx_hash", txHash)
	return txHash, nil
}

func (e *Engine) alert(ctx context.Context, subject, body string) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, subject, body); err != nil {
		e.logger.Error("Failed to send operator alert", "subject", subject, "error", err)
	}
}

// HandleDeposit attempts one sweep of a freshly credited deposit and queues
// it for retry on any failure.
func (e *Engine) HandleDeposit(ctx context.Context, entry *entities.LedgerEntry) {
	if entry == nil || entry.WalletID == nil || entry.Metadata.Deposit == nil {
		return
	}
	if !e.Enabled(entry.Metadata.Deposit.Chain, entry.Currency) {
		return
	}

	req := Request{
		WalletID:         *entry.WalletID,
		Currency:         entry.Currency,
		Amount:           entry.Amount,
		DepositReference: entry.Reference,
	}
	_, err := e.Sweep(ctx, req)
	if err == nil {
		return
	}

	now := e.clock.Now().UTC()
	item := &entities.SweepQueueItem{
		ID:               uuid.New(),
		WalletID:         req.WalletID,
		Token:            req.Currency,
		Amount:           req.Amount,
		DepositReference: req.DepositReference,
		Status:           entities.QueueStatusPending,
		NextRetryAt:      now.Add(e.cfg.Policy.Delay(1)),
	}
	msg := err.Error()
	item.LastError = &msg

	var pending *GasPendingError
	if errors.As(err, &pending) {
		item.GasFundingTxHash = &pending.TxHash
		item.NextRetryAt = now.Add(e.cfg.GasPollInterval)
	} else {
		e.logger.Warn("Sweep failed, queued for retry",
			"deposit_reference", req.DepositReference,
			"error", err)
	}

	if qErr := e.queue.Enqueue(ctx, item); qErr != nil {
		e.logger.Error("Failed to enqueue sweep",
			"deposit_reference", req.DepositReference,
			"sweep_error", err,
			"error", qErr)
	}
}
