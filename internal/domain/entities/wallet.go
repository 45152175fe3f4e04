package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is one (user, currency, chain) balance row. Custodial wallets own
// their address and carry encrypted key material; connected wallets do not.
type Wallet struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	UserID          uuid.UUID       `db:"user_id" json:"user_id"`
	Currency        string          `db:"currency" json:"currency"`
	Chain           Chain           `db:"chain" json:"chain"`
	Address         string          `db:"address" json:"address"`
	Balance         decimal.Decimal `db:"balance" json:"balance"`
	EncryptedKey    *string         `db:"encrypted_key" json:"-"`
	DerivationIndex *int64          `db:"derivation_index" json:"derivation_index,omitempty"`
	Cursor          WalletCursor    `db:"cursor" json:"-"`
	Watched         bool            `db:"watched" json:"watched"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// IsCustodial reports whether the platform holds the key for this wallet.
func (w *Wallet) IsCustodial() bool {
	return w.EncryptedKey != nil && *w.EncryptedKey != ""
}

// WalletCursor is the per-chain polling position. Only the fields relevant
// to the wallet's chain family are set.
type WalletCursor struct {
	// ETH-style log scans: last fully scanned block.
	BlockHeight int64 `json:"block_height,omitempty"`
	// TRC20-style: last seen block timestamp in milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
	// SOL-style: newest processed signature.
	Signature string `json:"signature,omitempty"`
	// UTXO-style: newest processed transaction id.
	LastTxID string `json:"last_tx_id,omitempty"`
	// Native-unit balance snapshot for balance-diff detection.
	NativeBalance *decimal.Decimal `json:"native_balance,omitempty"`
	// Height at which NativeBalance was observed.
	NativeHeight int64 `json:"native_height,omitempty"`
	// Set while a history walk spans several passes: the newest item
	// already covered, and the oldest item fetched so far.
	PendingTip   string `json:"pending_tip,omitempty"`
	ResumeBefore string `json:"resume_before,omitempty"`
}

// Backfilling reports a history walk that has not yet reached the
// stored cursor.
func (c WalletCursor) Backfilling() bool { return c.ResumeBefore != "" }

// FreshAddressCursor is the starting cursor of a newly derived address. A
// derived address has never held funds, so the balance baseline is zero and
// anything seen on the first scan is a deposit.
func FreshAddressCursor() WalletCursor {
	zero := decimal.Zero
	return WalletCursor{NativeBalance: &zero}
}

// IsZero reports whether the cursor has never been advanced.
func (c WalletCursor) IsZero() bool {
	return c.BlockHeight == 0 && c.Timestamp == 0 && c.Signature == "" && c.LastTxID == "" && c.NativeBalance == nil
}

func (c WalletCursor) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *WalletCursor) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = WalletCursor{}
		return nil
	case []byte:
		if len(v) == 0 {
			*c = WalletCursor{}
			return nil
		}
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into WalletCursor", src)
	}
}

// Balance is the read-path view of a wallet.
type Balance struct {
	WalletID  uuid.UUID       `db:"id" json:"wallet_id"`
	Currency  string          `db:"currency" json:"currency"`
	Chain     Chain           `db:"chain" json:"chain"`
	Address   string          `db:"address" json:"address"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
