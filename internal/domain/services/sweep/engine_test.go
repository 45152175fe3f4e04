package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/internal/infrastructure/repositories/memory"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/retry"
)

const (
	hotWallet       = "0xHot"
	treasuryAddress = "0xTreasury"
	depositAddress  = "0xDeposit"
)

var (
	eth  = entities.Asset{Symbol: "ETH", Chain: entities.ChainEthereum, Decimals: 18, SweepEnabled: true}
	usdc = entities.Asset{Symbol: "USDC", Chain: entities.ChainEthereum, Contract: "0xA0b8", Decimals: 6, SweepEnabled: true}
	t0   = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Chain() entities.Chain { return entities.ChainEthereum }

func (m *mockClient) Scan(ctx context.Context, w *entities.Wallet, a entities.Asset) (*chain.ScanResult, error) {
	args := m.Called(ctx, w, a)
	return args.Get(0).(*chain.ScanResult), args.Error(1)
}

func (m *mockClient) CurrentHeight(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockClient) Inclusion(ctx context.Context, txHash string) (*chain.Inclusion, error) {
	args := m.Called(ctx, txHash)
	return args.Get(0).(*chain.Inclusion), args.Error(1)
}

func (m *mockClient) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	args := m.Called(ctx, addr)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockClient) AssetBalance(ctx context.Context, addr string, asset entities.Asset) (decimal.Decimal, error) {
	args := m.Called(ctx, addr, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockClient) EstimateFee(ctx context.Context, req chain.TransferRequest) (decimal.Decimal, error) {
	args := m.Called(ctx, req.From, req.Asset.Symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockClient) Send(ctx context.Context, key *vault.SigningKey, req chain.TransferRequest) (string, error) {
	args := m.Called(ctx, key.Address, req.To, req.Asset.Symbol, req.Amount.String())
	return args.String(0), args.Error(1)
}

type fakeKeys struct {
	wallets map[uuid.UUID]string
}

func (k *fakeKeys) WithSigningKey(_ context.Context, walletID uuid.UUID, fn func(*vault.SigningKey) error) error {
	addr, ok := k.wallets[walletID]
	if !ok {
		return apperrors.ErrForbidden
	}
	key := vault.NewSigningKey(entities.ChainEthereum, addr, make([]byte, 32))
	defer key.Release()
	return fn(key)
}

func (k *fakeKeys) TreasuryKey(_ context.Context, c entities.Chain, fn func(*vault.SigningKey) error) error {
	key := vault.NewSigningKey(c, treasuryAddress, make([]byte, 32))
	defer key.Release()
	return fn(key)
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

type fixture struct {
	store   *memory.Store
	client  *mockClient
	alerter *recordingAlerter
	clock   *clockwork.FakeClock
	engine  *Engine
	wallet  *entities.Wallet
}

func newFixture(t *testing.T, currency string, enabled bool) *fixture {
	t.Helper()
	store := memory.NewStore()
	wallet := &entities.Wallet{UserID: uuid.New(), Currency: currency, Chain: entities.ChainEthereum, Address: depositAddress, Watched: true}
	require.NoError(t, store.Wallets().Create(context.Background(), wallet))

	f := &fixture{
		store:   store,
		client:  &mockClient{},
		alerter: &recordingAlerter{},
		clock:   clockwork.NewFakeClockAt(t0),
		wallet:  wallet,
	}
	svc := ledger.NewService(store.Wallets(), store.Ledger(), store, logger.NewNop())
	engine, err := NewEngine(Config{
		Chains: map[entities.Chain]ChainConfig{
			entities.ChainEthereum: {
				Enabled:             enabled,
				HotWallet:           hotWallet,
				Assets:              []entities.Asset{eth, usdc},
				MinGasFunding:       dec("0.002"),
				TreasuryTransferFee: dec("0.0005"),
			},
		},
		Policy:          retry.Policy{BaseDelay: time.Minute, Multiplier: 3, MaxRetries: 3},
		GasPollInterval: 30 * time.Second,
	}, chain.Registry{entities.ChainEthereum: f.client}, store.Wallets(), store.SweepQueue(), svc,
		&fakeKeys{wallets: map[uuid.UUID]string{wallet.ID: depositAddress}}, f.alerter, nil, f.clock, logger.NewNop())
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) deposit(reference, amount string) *entities.LedgerEntry {
	return &entities.LedgerEntry{
		ID:        uuid.New(),
		UserID:    &f.wallet.UserID,
		WalletID:  &f.wallet.ID,
		Type:      entities.EntryTypeDeposit,
		Status:    entities.EntryStatusCompleted,
		Amount:    dec(amount),
		Currency:  f.wallet.Currency,
		Reference: reference,
		Metadata:  entities.DepositMeta(entities.DepositMetadata{Chain: entities.ChainEthereum, TxHash: reference}),
	}
}

func (f *fixture) queueItems(t *testing.T, status entities.QueueStatus) []*entities.SweepQueueItem {
	t.Helper()
	items, err := f.store.SweepQueue().ListByStatus(context.Background(), status, 10, 0)
	require.NoError(t, err)
	return items
}

func TestSweep_NativeDeductsFeeAndRecordsEntry(t *testing.T) {
	f := newFixture(t, "ETH", true)
	f.client.On("EstimateFee", mock.Anything, depositAddress, "ETH").Return(dec("0.001"), nil)
	f.client.On("Send", mock.Anything, depositAddress, hotWallet, "ETH", "0.999").Return("0xsweep", nil)

	f.engine.HandleDeposit(context.Background(), f.deposit("0xdep", "1"))

	entry, err := f.store.Ledger().GetByReference(context.Background(), "0xsweep")
	require.NoError(t, err)
	assert.Equal(t, entities.EntryTypeSweep, entry.Type)
	assert.True(t, entry.Amount.Equal(dec("0.999")))
	require.NotNil(t, entry.Metadata.Sweep)
	assert.Equal(t, "0xdep", entry.Metadata.Sweep.DepositReference)
	assert.Equal(t, hotWallet, entry.Metadata.Sweep.ToAddress)
	assert.Empty(t, f.queueItems(t, entities.QueueStatusPending))
	f.client.AssertExpectations(t)
}

func TestSweep_TokenFundsGasAndWaitsForInclusion(t *testing.T) {
	f := newFixture(t, "USDC", true)
	ctx := context.Background()
	f.client.On("EstimateFee", mock.Anything, depositAddress, "USDC").Return(dec("0.003"), nil)
	f.client.On("EstimateFee", mock.Anything, treasuryAddress, "ETH").Return(dec("0.0004"), nil)
	f.client.On("NativeBalance", mock.Anything, depositAddress).Return(decimal.Zero, nil).Once()
	f.client.On("NativeBalance", mock.Anything, treasuryAddress).Return(dec("1"), nil)
	// 0.003 * 1.5 = 0.0045 top-up.
	f.client.On("Send", mock.Anything, treasuryAddress, depositAddress, "ETH", "0.0045").Return("0xgas", nil).Once()

	f.engine.HandleDeposit(ctx, f.deposit("0xusdc", "250"))

	pending := f.queueItems(t, entities.QueueStatusPending)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].GasFundingTxHash)
	assert.Equal(t, "0xgas", *pending[0].GasFundingTxHash)
	assert.Equal(t, t0.Add(30*time.Second), pending[0].NextRetryAt)

	// Top-up not yet mined: rescheduled without consuming a retry.
	f.client.On("Inclusion", mock.Anything, "0xgas").Return(&chain.Inclusion{}, nil).Once()
	f.clock.Advance(30 * time.Second)
	stats, err := f.engine.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	pending = f.queueItems(t, entities.QueueStatusPending)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)

	// Mined: the sweep goes out.
	f.client.On("Inclusion", mock.Anything, "0xgas").Return(&chain.Inclusion{Found: true, Height: 10}, nil).Once()
	f.client.On("NativeBalance", mock.Anything, depositAddress).Return(dec("0.0045"), nil).Once()
	f.client.On("Send", mock.Anything, depositAddress, hotWallet, "USDC", "250").Return("0xusdcsweep", nil).Once()
	f.clock.Advance(30 * time.Second)
	stats, err = f.engine.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Len(t, f.queueItems(t, entities.QueueStatusCompleted), 1)

	entry, err := f.store.Ledger().GetByReference(ctx, "0xusdcsweep")
	require.NoError(t, err)
	assert.Equal(t, "0xgas", entry.Metadata.Sweep.GasFundingTxHash)
	f.client.AssertExpectations(t)
}

func TestSweep_TreasuryGasGuard(t *testing.T) {
	f := newFixture(t, "USDC", true)
	f.client.On("EstimateFee", mock.Anything, depositAddress, "USDC").Return(dec("0.003"), nil)
	f.client.On("EstimateFee", mock.Anything, treasuryAddress, "ETH").Return(dec("0.0001"), nil)
	f.client.On("NativeBalance", mock.Anything, depositAddress).Return(decimal.Zero, nil)
	// Needs 0.0045 + 0.0005 (fee floor) = 0.005.
	f.client.On("NativeBalance", mock.Anything, treasuryAddress).Return(dec("0.0049"), nil)

	_, err := f.engine.Sweep(context.Background(), Request{
		WalletID: f.wallet.ID, Currency: "USDC", Amount: dec("10"), DepositReference: "0xd",
	})
	assert.ErrorIs(t, err, apperrors.ErrTreasuryGasExhausted)
	assert.Len(t, f.alerter.subjects, 1)
	f.client.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessRetries_BacksOffThenFailsPermanently(t *testing.T) {
	f := newFixture(t, "ETH", true)
	ctx := context.Background()
	f.client.On("EstimateFee", mock.Anything, depositAddress, "ETH").Return(dec("0.001"), nil)
	f.client.On("Send", mock.Anything, depositAddress, hotWallet, "ETH", "0.999").Return("", apperrors.ErrUpstreamUnavailable)

	f.engine.HandleDeposit(ctx, f.deposit("0xdep", "1"))
	pending := f.queueItems(t, entities.QueueStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, t0.Add(time.Minute), pending[0].NextRetryAt)

	f.clock.Advance(time.Minute)
	_, err := f.engine.ProcessRetries(ctx)
	require.NoError(t, err)
	pending = f.queueItems(t, entities.QueueStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, t0.Add(2*time.Minute), pending[0].NextRetryAt)

	f.clock.Advance(time.Minute)
	_, err = f.engine.ProcessRetries(ctx)
	require.NoError(t, err)
	pending = f.queueItems(t, entities.QueueStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Equal(t, t0.Add(5*time.Minute), pending[0].NextRetryAt, "second failure waits base*3")

	f.clock.Advance(3 * time.Minute)
	stats, err := f.engine.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Exhausted)

	failed := f.queueItems(t, entities.QueueStatusFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, apperrors.ErrPermanentSweepFailure.Error())
	assert.Equal(t, []string{"Sweep permanently failed"}, f.alerter.subjects)

	require.NoError(t, f.engine.Requeue(ctx, failed[0].ID))
	assert.Len(t, f.queueItems(t, entities.QueueStatusPending), 1)
}

func TestHandleDeposit_DisabledChainDoesNothing(t *testing.T) {
	f := newFixture(t, "ETH", false)
	f.engine.HandleDeposit(context.Background(), f.deposit("0xdep", "1"))

	assert.Empty(t, f.queueItems(t, entities.QueueStatusPending))
	f.client.AssertNotCalled(t, "EstimateFee", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweep_DepositBelowFee(t *testing.T) {
	f := newFixture(t, "ETH", true)
	f.client.On("EstimateFee", mock.Anything, depositAddress, "ETH").Return(dec("0.01"), nil)

	_, err := f.engine.Sweep(context.Background(), Request{WalletID: f.wallet.ID, Currency: "ETH", Amount: dec("0.005")})
	assert.True(t, errors.Is(err, apperrors.ErrNothingToSweep))
}
