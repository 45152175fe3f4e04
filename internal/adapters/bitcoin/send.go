package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/security"
)

// UTXO is a confirmed spendable output.
type UTXO struct {
	TxID   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Value  int64         `json:"value"`
	Status esploraStatus `json:"status"`
}

func (c *Client) utxos(ctx context.Context, addr string) ([]UTXO, error) {
	var all []UTXO
	if err := c.get(ctx, "/address/"+addr+"/utxo", &all); err != nil {
		return nil, fmt.Errorf("list utxos %s: %w", addr, err)
	}
	confirmed := all[:0]
	for _, u := range all {
		if u.Status.Confirmed {
			confirmed = append(confirmed, u)
		}
	}
	return confirmed, nil
}

// Send spends every confirmed UTXO of From, pays Amount to To and returns
// change above the dust limit to From.
func (c *Client) Send(ctx context.Context, key *vault.SigningKey, req chain.TransferRequest) (string, error) {
	utxos, err := c.utxos(ctx, req.From)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("no confirmed utxos for %s", security.MaskAddress(req.From))
	}
	rate, err := c.feeRate(ctx)
	if err != nil {
		return "", err
	}

	amount := req.Asset.ToBaseUnits(req.Amount).IntPart()
	if amount < dustLimit {
		return "", fmt.Errorf("amount %d sat is below dust", amount)
	}

	builder, err := NewTransactionBuilder(c.params, req.From)
	if err != nil {
		return "", err
	}
	rawTx, txID, err := builder.Build(key, utxos, req.To, amount, rate)
	if err != nil {
		return "", err
	}

	var accepted string
	err = c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		id, err := failover.DoText(ctx, c.http, http.MethodPost, ep.URL+"/tx", nil, rawTx)
		accepted = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	if accepted != "" && accepted != txID {
		c.logger.Warn("Provider returned unexpected txid", "expected", txID, "got", accepted)
	}

	c.logger.Info("Bitcoin transaction broadcast",
		"tx_hash", txID,
		"from", security.MaskAddress(req.From),
		"to", security.MaskAddress(req.To),
		"amount_sat", amount,
		"inputs", len(utxos))
	return txID, nil
}

// TransactionBuilder assembles and signs P2PKH transactions for one address.
type TransactionBuilder struct {
	params   *chaincfg.Params
	from     btcutil.Address
	pkScript []byte
}

func NewTransactionBuilder(params *chaincfg.Params, from string) (*TransactionBuilder, error) {
	addr, err := btcutil.DecodeAddress(from, params)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkScript: %w", err)
	}
	return &TransactionBuilder{params: params, from: addr, pkScript: pkScript}, nil
}

// Build returns the signed transaction hex and its id.
func (b *TransactionBuilder) Build(key *vault.SigningKey, utxos []UTXO, to string, amount int64, feeRate float64) (string, string, error) {
	toAddr, err := btcutil.DecodeAddress(to, b.params)
	if err != nil {
		return "", "", fmt.Errorf("invalid to address: %w", err)
	}
	toScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to create output script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", "", fmt.Errorf("invalid utxo txid %s: %w", u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		in.Sequence = 0xfffffffd
		tx.AddTxIn(in)
		total += u.Value
	}

	tx.AddTxOut(wire.NewTxOut(amount, toScript))

	fee := feeFor(feeRate, len(utxos), 2)
	change := total - amount - fee
	if change < 0 {
		// Without change the transaction is one output smaller.
		fee = feeFor(feeRate, len(utxos), 1)
		change = total - amount - fee
		if change < 0 {
			return "", "", fmt.Errorf("insufficient utxo value: have %d, need %d", total, amount+fee)
		}
	}
	if change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, b.pkScript))
	}

	priv := key.BTC()
	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, b.pkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}
