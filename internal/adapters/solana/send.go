package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
)

// Send signs a System Program transfer once and broadcasts the same bytes
// through the pool. The signature is the transaction id.
func (c *Client) Send(ctx context.Context, key *vault.SigningKey, req chain.TransferRequest) (string, error) {
	if !req.Asset.IsNative() {
		return "", fmt.Errorf("%s: %w", req.Asset.Symbol, errTokenUnsupported)
	}
	if key.Address != req.From {
		return "", fmt.Errorf("signing key %s does not own %s", key.Address, req.From)
	}
	amount := req.Asset.ToBaseUnits(req.Amount)
	if !amount.IsPositive() {
		return "", fmt.Errorf("transfer amount must be positive")
	}

	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	msg, err := transferMessage(req.From, req.To, uint64(amount.IntPart()), blockhash)
	if err != nil {
		return "", err
	}
	priv := key.Ed25519()
	raw, signature := signTransaction(msg, priv)

	var accepted string
	params := []interface{}{base64.StdEncoding.EncodeToString(raw), map[string]string{
		"encoding":            "base64",
		"preflightCommitment": commitment,
	}}
	err = c.call(ctx, "sendTransaction", params, &accepted)
	if err != nil {
		if strings.Contains(err.Error(), "already been processed") {
			return signature, nil
		}
		if strings.Contains(err.Error(), "insufficient") {
			return "", failover.Permanent(fmt.Errorf("sendTransaction: %w", err))
		}
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	if accepted != "" && accepted != signature {
		c.logger.Warn("Solana node returned unexpected signature",
			"expected", signature,
			"returned", accepted)
	}
	return signature, nil
}
