package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MetadataKind discriminates the EntryMetadata union.
type MetadataKind string

const (
	MetadataKindNone    MetadataKind = ""
	MetadataKindDeposit MetadataKind = "deposit"
	MetadataKindSweep   MetadataKind = "sweep"
	MetadataKindSwap    MetadataKind = "swap"
	MetadataKindAdmin   MetadataKind = "admin"
)

// DetectionMethod records how a deposit was discovered.
type DetectionMethod string

const (
	DetectionTransferLog DetectionMethod = "transfer_log"
	DetectionUTXO        DetectionMethod = "utxo"
	DetectionBalanceDiff DetectionMethod = "balance_diff"
	DetectionSignature   DetectionMethod = "signature"
)

// DepositMetadata describes an on-chain deposit.
type DepositMetadata struct {
	Chain                 Chain           `json:"chain"`
	TxHash                string          `json:"tx_hash"`
	FromAddress           string          `json:"from_address,omitempty"`
	ToAddress             string          `json:"to_address"`
	TokenContract         string          `json:"token_contract,omitempty"`
	RawAmount             decimal.Decimal `json:"raw_amount"`
	BlockHeight           int64           `json:"block_height,omitempty"`
	Confirmations         int64           `json:"confirmations"`
	RequiredConfirmations int64           `json:"required_confirmations"`
	Detection             DetectionMethod `json:"detection"`
	FailureReason         string          `json:"failure_reason,omitempty"`
}

// SweepMetadata links a sweep to the deposit it moved.
type SweepMetadata struct {
	Chain            Chain           `json:"chain"`
	SweepTxHash      string          `json:"sweep_tx_hash"`
	DepositReference string          `json:"deposit_reference"`
	FromAddress      string          `json:"from_address"`
	ToAddress        string          `json:"to_address"`
	GasFundingTxHash string          `json:"gas_funding_tx_hash,omitempty"`
	Fee              decimal.Decimal `json:"fee"`
}

// SwapLeg names one of the four wallet updates of a swap.
type SwapLeg string

const (
	SwapLegUserDebit      SwapLeg = "user_debit"
	SwapLegUserCredit     SwapLeg = "user_credit"
	SwapLegTreasuryDebit  SwapLeg = "treasury_debit"
	SwapLegTreasuryCredit SwapLeg = "treasury_credit"
	SwapLegMarginDebit    SwapLeg = "margin_debit"
	SwapLegMarginCredit   SwapLeg = "margin_credit"
)

// SwapMetadata describes one leg of a currency conversion.
type SwapMetadata struct {
	SwapReference string          `json:"swap_reference"`
	Leg           SwapLeg         `json:"leg"`
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	SourceAmount  decimal.Decimal `json:"source_amount"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	MarketRate    decimal.Decimal `json:"market_rate"`
	ExecutionRate decimal.Decimal `json:"execution_rate"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	Margin        decimal.Decimal `json:"margin"`
}

// AdminMetadata records who moved treasury funds and why.
type AdminMetadata struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// EntryMetadata is a closed union: at most one variant is set, selected by Kind.
type EntryMetadata struct {
	Kind    MetadataKind     `json:"kind"`
	Deposit *DepositMetadata `json:"deposit,omitempty"`
	Sweep   *SweepMetadata   `json:"sweep,omitempty"`
	Swap    *SwapMetadata    `json:"swap,omitempty"`
	Admin   *AdminMetadata   `json:"admin,omitempty"`
}

func DepositMeta(m DepositMetadata) EntryMetadata {
	return EntryMetadata{Kind: MetadataKindDeposit, Deposit: &m}
}

func SweepMeta(m SweepMetadata) EntryMetadata {
	return EntryMetadata{Kind: MetadataKindSweep, Sweep: &m}
}

func SwapMeta(m SwapMetadata) EntryMetadata {
	return EntryMetadata{Kind: MetadataKindSwap, Swap: &m}
}

func AdminMeta(m AdminMetadata) EntryMetadata {
	return EntryMetadata{Kind: MetadataKindAdmin, Admin: &m}
}

// Validate checks that Kind matches exactly one populated variant.
func (m EntryMetadata) Validate() error {
	set := 0
	for _, present := range []bool{m.Deposit != nil, m.Sweep != nil, m.Swap != nil, m.Admin != nil} {
		if present {
			set++
		}
	}

	switch m.Kind {
	case MetadataKindNone:
		if set != 0 {
			return fmt.Errorf("metadata without kind has %d variants set", set)
		}
		return nil
	case MetadataKindDeposit:
		if m.Deposit == nil {
			return fmt.Errorf("deposit metadata missing")
		}
	case MetadataKindSweep:
		if m.Sweep == nil {
			return fmt.Errorf("sweep metadata missing")
		}
	case MetadataKindSwap:
		if m.Swap == nil {
			return fmt.Errorf("swap metadata missing")
		}
	case MetadataKindAdmin:
		if m.Admin == nil {
			return fmt.Errorf("admin metadata missing")
		}
	default:
		return fmt.Errorf("unknown metadata kind: %s", m.Kind)
	}
	if set != 1 {
		return fmt.Errorf("%s metadata has %d variants set", m.Kind, set)
	}
	return nil
}

func (m EntryMetadata) Value() (driver.Value, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m *EntryMetadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = EntryMetadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into EntryMetadata", src)
	}
	if len(raw) == 0 {
		*m = EntryMetadata{}
		return nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("decode entry metadata: %w", err)
	}
	return m.Validate()
}
