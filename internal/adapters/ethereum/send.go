package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/security"
)

// Send signs once and broadcasts the same signed bytes, so a retried
// broadcast can never produce a second transaction with a new nonce.
func (c *Client) Send(ctx context.Context, key *vault.SigningKey, req chain.TransferRequest) (string, error) {
	priv, err := key.ECDSA()
	if err != nil {
		return "", fmt.Errorf("load signing key: %w", err)
	}
	from := common.HexToAddress(req.From)

	var nonce uint64
	err = c.do(ctx, func(ctx context.Context, b Backend) error {
		n, err := b.PendingNonceAt(ctx, from)
		nonce = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	price, err := c.gasPrice(ctx)
	if err != nil {
		return "", err
	}
	limit, data, err := c.gasLimit(ctx, req)
	if err != nil {
		return "", err
	}

	amount := req.Asset.ToBaseUnits(req.Amount).BigInt()
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount %s rounds to zero", req.Amount)
	}
	to := common.HexToAddress(req.To)
	value := amount
	if !req.Asset.IsNative() {
		to = common.HexToAddress(req.Asset.Contract)
		value = big.NewInt(0)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      limit,
		GasPrice: price,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	err = c.do(ctx, func(ctx context.Context, b Backend) error {
		err := b.SendTransaction(ctx, signed)
		if err != nil && isAlreadyKnown(err) {
			return nil
		}
		if err != nil && isRejected(err) {
			return failover.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info("Ethereum transaction broadcast",
		"tx_hash", hash,
		"from", security.MaskAddress(req.From),
		"to", security.MaskAddress(req.To),
		"amount", req.Amount.String(),
		"currency", req.Asset.Symbol,
		"nonce", nonce)
	return hash, nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "intrinsic gas too low")
}
