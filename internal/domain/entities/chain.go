package entities

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain identifies a supported blockchain.
type Chain string

const (
	ChainTron     Chain = "tron"
	ChainEthereum Chain = "ethereum"
	ChainBitcoin  Chain = "bitcoin"
	ChainSolana   Chain = "solana"
)

// SupportedChains lists every chain with a watcher.
var SupportedChains = []Chain{ChainTron, ChainEthereum, ChainBitcoin, ChainSolana}

// Validate checks the chain is supported.
func (c Chain) Validate() error {
	switch c {
	case ChainTron, ChainEthereum, ChainBitcoin, ChainSolana:
		return nil
	default:
		return fmt.Errorf("unsupported chain: %s", c)
	}
}

// IsUTXO reports whether confirmations are counted inclusively (the
// inclusion block itself counts as the first confirmation).
func (c Chain) IsUTXO() bool {
	return c == ChainBitcoin
}

// NativeSymbol returns the chain's gas unit.
func (c Chain) NativeSymbol() string {
	switch c {
	case ChainTron:
		return "TRX"
	case ChainEthereum:
		return "ETH"
	case ChainBitcoin:
		return "BTC"
	case ChainSolana:
		return "SOL"
	}
	return ""
}

// NativeDecimals returns the base-unit exponent of the chain's native coin.
func (c Chain) NativeDecimals() int32 {
	switch c {
	case ChainTron:
		return 6
	case ChainEthereum:
		return 18
	case ChainBitcoin:
		return 8
	case ChainSolana:
		return 9
	}
	return 0
}

// Asset is a currency as it exists on one chain.
type Asset struct {
	Symbol   string
	Chain    Chain
	Contract string // empty for the native coin
	Decimals int32
	// DustThreshold: deposits below it are rejected rather than credited.
	DustThreshold decimal.Decimal
	SweepEnabled  bool
}

// IsNative reports whether the asset is the chain's own coin.
func (a Asset) IsNative() bool {
	return a.Contract == ""
}

// FromBaseUnits converts an integer amount in base units to a decimal amount.
func (a Asset) FromBaseUnits(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-a.Decimals)
}

// ToBaseUnits converts a decimal amount into integer base units, truncating dust.
func (a Asset) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(a.Decimals).Truncate(0)
}

// NormalizeCurrency upper-cases a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// WatchState is the per-address discovery state.
type WatchState string

const (
	WatchStateIdle       WatchState = "idle"
	WatchStateScanning   WatchState = "scanning"
	WatchStateConfirming WatchState = "confirming"
)
