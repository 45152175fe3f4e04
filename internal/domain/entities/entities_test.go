package entities

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryStatus_Transitions(t *testing.T) {
	assert.True(t, EntryStatusPending.CanTransitionTo(EntryStatusConfirming))
	assert.True(t, EntryStatusConfirming.CanTransitionTo(EntryStatusCompleted))
	assert.True(t, EntryStatusConfirming.CanTransitionTo(EntryStatusFailed))
	assert.False(t, EntryStatusCompleted.CanTransitionTo(EntryStatusConfirming))
	assert.False(t, EntryStatusFailed.CanTransitionTo(EntryStatusCompleted))

	assert.True(t, EntryStatusCompleted.IsTerminal())
	assert.False(t, EntryStatusConfirming.IsTerminal())

	assert.Error(t, EntryStatusCompleted.ValidateTransition(EntryStatusFailed))
	assert.Error(t, EntryStatusPending.ValidateTransition("bogus"))
	assert.NoError(t, EntryStatusPending.ValidateTransition(EntryStatusExpired))
	assert.NoError(t, EntryStatusConfirming.ValidateTransition(EntryStatusExpired))
}

func TestEntryCursor_Precedes(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &LedgerEntry{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), CreatedAt: t0}
	b := &LedgerEntry{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), CreatedAt: t0}
	later := &LedgerEntry{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: t0.Add(time.Second)}

	assert.True(t, EntryCursor{}.Precedes(a))
	assert.True(t, CursorAt(a).Precedes(b))
	assert.False(t, CursorAt(b).Precedes(a))
	assert.False(t, CursorAt(a).Precedes(a))
	assert.True(t, CursorAt(b).Precedes(later))
}

func TestEntryMetadata_Validate(t *testing.T) {
	assert.NoError(t, EntryMetadata{}.Validate())
	assert.NoError(t, DepositMeta(DepositMetadata{Chain: ChainBitcoin}).Validate())

	both := DepositMeta(DepositMetadata{})
	both.Swap = &SwapMetadata{}
	assert.Error(t, both.Validate())

	assert.Error(t, EntryMetadata{Kind: MetadataKindSweep}.Validate())
	assert.Error(t, EntryMetadata{Kind: "mystery"}.Validate())
	assert.Error(t, EntryMetadata{Admin: &AdminMetadata{}}.Validate())
}

func TestEntryMetadata_ValueScan(t *testing.T) {
	meta := SweepMeta(SweepMetadata{
		Chain:            ChainEthereum,
		SweepTxHash:      "0xsweep",
		DepositReference: "0xdeposit",
		Fee:              decimal.RequireFromString("0.0021"),
	})

	v, err := meta.Value()
	require.NoError(t, err)

	var decoded EntryMetadata
	require.NoError(t, decoded.Scan(v))
	assert.Equal(t, MetadataKindSweep, decoded.Kind)
	require.NotNil(t, decoded.Sweep)
	assert.Equal(t, "0xdeposit", decoded.Sweep.DepositReference)
	assert.True(t, decoded.Sweep.Fee.Equal(decimal.RequireFromString("0.0021")))
	assert.Nil(t, decoded.Deposit)
}

func TestWalletCursor_Scan(t *testing.T) {
	var c WalletCursor
	require.NoError(t, c.Scan(nil))
	assert.True(t, c.IsZero())

	require.NoError(t, c.Scan([]byte(`{"block_height": 120, "signature": "abc"}`)))
	assert.Equal(t, int64(120), c.BlockHeight)
	assert.Equal(t, "abc", c.Signature)
	assert.False(t, c.IsZero())

	assert.Error(t, c.Scan(42))
}

func TestAsset_BaseUnits(t *testing.T) {
	usdt := Asset{Symbol: "USDT", Chain: ChainTron, Contract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Decimals: 6}
	assert.True(t, usdt.FromBaseUnits(decimal.NewFromInt(1_500_000)).Equal(decimal.RequireFromString("1.5")))
	assert.True(t, usdt.ToBaseUnits(decimal.RequireFromString("1.2345678")).Equal(decimal.NewFromInt(1_234_567)))
	assert.False(t, usdt.IsNative())
}

func TestChain(t *testing.T) {
	assert.True(t, ChainBitcoin.IsUTXO())
	assert.False(t, ChainEthereum.IsUTXO())
	assert.NoError(t, ChainSolana.Validate())
	assert.Error(t, Chain("dogecoin").Validate())
	assert.Equal(t, int32(9), ChainSolana.NativeDecimals())
}
