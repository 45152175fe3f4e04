package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/security"
)

// unsignedTx keeps raw_data opaque so the node's encoding round-trips unchanged.
type unsignedTx struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send builds the transaction through the provider, verifies its id against
// the raw bytes, signs it locally and broadcasts it.
func (c *Client) Send(ctx context.Context, key *vault.SigningKey, req chain.TransferRequest) (string, error) {
	priv, err := key.ECDSA()
	if err != nil {
		return "", fmt.Errorf("load signing key: %w", err)
	}

	tx, err := c.build(ctx, req)
	if err != nil {
		return "", err
	}

	rawBytes, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return "", fmt.Errorf("decode raw data: %w", err)
	}
	digest := sha256.Sum256(rawBytes)
	txID, err := hex.DecodeString(tx.TxID)
	if err != nil || !bytes.Equal(digest[:], txID) {
		return "", fmt.Errorf("provider returned transaction with mismatched id %s", tx.TxID)
	}

	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	tx.Signature = []string{hex.EncodeToString(sig)}

	var resp broadcastResponse
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	if !resp.Result && resp.Code != "DUP_TRANSACTION_ERROR" {
		return "", fmt.Errorf("broadcast rejected: %s %s", resp.Code, decodeMessage(resp.Message))
	}

	c.logger.Info("TRON transaction broadcast",
		"tx_hash", tx.TxID,
		"from", security.MaskAddress(req.From),
		"to", security.MaskAddress(req.To),
		"amount", req.Amount.String(),
		"currency", req.Asset.Symbol)
	return tx.TxID, nil
}

func (c *Client) build(ctx context.Context, req chain.TransferRequest) (*unsignedTx, error) {
	amount := req.Asset.ToBaseUnits(req.Amount)
	if !amount.IsPositive() {
		return nil, failover.Permanent(fmt.Errorf("transfer amount %s rounds to zero", req.Amount))
	}

	if req.Asset.IsNative() {
		var tx unsignedTx
		body := map[string]interface{}{
			"owner_address": req.From,
			"to_address":    req.To,
			"amount":        amount.IntPart(),
			"visible":       true,
		}
		if err := c.post(ctx, "/wallet/createtransaction", body, &tx); err != nil {
			return nil, fmt.Errorf("create transaction: %w", err)
		}
		if tx.TxID == "" {
			return nil, fmt.Errorf("create transaction returned no txID")
		}
		return &tx, nil
	}

	param, err := transferParam(req.To, amount.BigInt())
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
		Transaction unsignedTx `json:"transaction"`
	}
	body := map[string]interface{}{
		"owner_address":     req.From,
		"contract_address":  req.Asset.Contract,
		"function_selector": "transfer(address,uint256)",
		"parameter":         param,
		"fee_limit":         c.feeLimit,
		"call_value":        0,
		"visible":           true,
	}
	if err := c.post(ctx, "/wallet/triggersmartcontract", body, &resp); err != nil {
		return nil, fmt.Errorf("trigger smart contract: %w", err)
	}
	if !resp.Result.Result || resp.Transaction.TxID == "" {
		return nil, fmt.Errorf("trigger smart contract rejected: %s", decodeMessage(resp.Result.Message))
	}
	return &resp.Transaction, nil
}

// decodeMessage unwraps the hex-encoded messages TronGrid returns on errors.
func decodeMessage(m string) string {
	if b, err := hex.DecodeString(strings.TrimSpace(m)); err == nil {
		return string(b)
	}
	return m
}
