// Package chain declares what the settlement core needs from a blockchain.
// Each chain family has one adapter under internal/adapters implementing Client.
package chain

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
)

// ScanResult is the outcome of one discovery pass over a wallet.
// Cursor must only be persisted together with Transfers.
type ScanResult struct {
	Transfers []entities.DetectedTransfer
	Cursor    entities.WalletCursor
}

// Inclusion describes where a transaction landed.
type Inclusion struct {
	Found    bool
	Height   int64
	Reverted bool
}

// TransferRequest moves Amount (display units) of Asset between two addresses.
type TransferRequest struct {
	Asset  entities.Asset
	From   string
	To     string
	Amount decimal.Decimal
}

// Scanner finds inbound transfers to a wallet address since its cursor.
type Scanner interface {
	Scan(ctx context.Context, wallet *entities.Wallet, asset entities.Asset) (*ScanResult, error)
}

// Confirmer answers finality questions.
type Confirmer interface {
	CurrentHeight(ctx context.Context) (int64, error)
	Inclusion(ctx context.Context, txHash string) (*Inclusion, error)
}

// Sender builds, signs and broadcasts transfers.
type Sender interface {
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	AssetBalance(ctx context.Context, address string, asset entities.Asset) (decimal.Decimal, error)
	// EstimateFee returns the native-unit fee the sender of req would pay.
	EstimateFee(ctx context.Context, req TransferRequest) (decimal.Decimal, error)
	Send(ctx context.Context, key *vault.SigningKey, req TransferRequest) (string, error)
}

// Client is a chain adapter.
type Client interface {
	Chain() entities.Chain
	Scanner
	Confirmer
	Sender
}

// Registry maps chains to their adapters.
type Registry map[entities.Chain]Client

// Get returns the adapter for c.
func (r Registry) Get(c entities.Chain) (Client, bool) {
	client, ok := r[c]
	return client, ok
}

// BalanceDiffReference names a native deposit found by balance snapshot diff.
func BalanceDiffReference(c entities.Chain, address string, height int64) string {
	return "balance_diff:" + string(c) + ":" + address + ":" + strconv.FormatInt(height, 10)
}
