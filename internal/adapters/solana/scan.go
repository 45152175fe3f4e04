package solana

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
)

const maxSignaturePages = 10

type signatureInfo struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	Err       interface{} `json:"err"`
}

type transactionResult struct {
	Slot int64 `json:"slot"`
	Meta *struct {
		Err             interface{} `json:"err"`
		PreBalances     []int64     `json:"preBalances"`
		PostBalances    []int64     `json:"postBalances"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func (t *transactionResult) accountKeys() []string {
	keys := append([]string(nil), t.Transaction.Message.AccountKeys...)
	if t.Meta != nil && t.Meta.LoadedAddresses != nil {
		keys = append(keys, t.Meta.LoadedAddresses.Writable...)
		keys = append(keys, t.Meta.LoadedAddresses.Readonly...)
	}
	return keys
}

// Scan lists signatures newer than the cursor and credits the lamport
// increase each successful transaction produced on the wallet's account.
// When the listing is cut short the cursor stays put and the next pass
// resumes below the oldest signature fetched; Signature advances only once
// the whole gap has been covered.
func (c *Client) Scan(ctx context.Context, wallet *entities.Wallet, asset entities.Asset) (*chain.ScanResult, error) {
	if !asset.IsNative() {
		return nil, fmt.Errorf("%s: %w", asset.Symbol, errTokenUnsupported)
	}
	cur := wallet.Cursor
	result := &chain.ScanResult{Cursor: cur}

	sigs, complete, err := c.signaturesSince(ctx, wallet.Address, cur.Signature, cur.ResumeBefore)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 && !cur.Backfilling() {
		return result, nil
	}

	// BlockHeight follows the newest slot covered, including mid-backfill.
	tip, tipSlot := cur.PendingTip, cur.BlockHeight
	if tip == "" && len(sigs) > 0 {
		tip, tipSlot = sigs[0].Signature, sigs[0].Slot
	}

	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err != nil {
			continue
		}
		transfer, err := c.inboundTransfer(ctx, wallet.Address, sig.Signature)
		if err != nil {
			return nil, err
		}
		if transfer != nil {
			result.Transfers = append(result.Transfers, *transfer)
		}
	}

	result.Cursor.BlockHeight = tipSlot
	if complete {
		if tip != "" {
			result.Cursor.Signature = tip
		}
		result.Cursor.PendingTip = ""
		result.Cursor.ResumeBefore = ""
	} else {
		result.Cursor.PendingTip = tip
		result.Cursor.ResumeBefore = sigs[len(sigs)-1].Signature
		c.logger.Warn("Solana signature history truncated, resuming next pass",
			"address", wallet.Address,
			"signatures", len(sigs),
			"resume_before", result.Cursor.ResumeBefore)
	}

	if len(result.Transfers) > 0 {
		c.logger.Debug("Solana deposits found",
			"address", wallet.Address,
			"count", len(result.Transfers),
			"newest_signature", tip)
	}
	return result, nil
}

// signaturesSince pages getSignaturesForAddress newest-first from before
// (or the head) back to until. complete is false when the page limit was
// hit before the history ran out.
func (c *Client) signaturesSince(ctx context.Context, addr, until, before string) ([]signatureInfo, bool, error) {
	var all []signatureInfo
	for page := 0; page < c.pageLimit; page++ {
		opts := map[string]interface{}{"limit": c.pageSize, "commitment": commitment}
		if until != "" {
			opts["until"] = until
		}
		if before != "" {
			opts["before"] = before
		}
		var batch []signatureInfo
		if err := c.call(ctx, "getSignaturesForAddress", []interface{}{addr, opts}, &batch); err != nil {
			return nil, false, fmt.Errorf("getSignaturesForAddress: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < c.pageSize {
			return all, true, nil
		}
		before = batch[len(batch)-1].Signature
	}
	return all, false, nil
}

func (c *Client) inboundTransfer(ctx context.Context, addr, signature string) (*entities.DetectedTransfer, error) {
	var tx *transactionResult
	params := []interface{}{signature, map[string]interface{}{
		"encoding":                       "json",
		"commitment":                     commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	if err := c.call(ctx, "getTransaction", params, &tx); err != nil {
		return nil, fmt.Errorf("getTransaction %s: %w", signature, err)
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return nil, nil
	}

	keys := tx.accountKeys()
	for i, key := range keys {
		if key != addr {
			continue
		}
		if i >= len(tx.Meta.PreBalances) || i >= len(tx.Meta.PostBalances) {
			return nil, nil
		}
		delta := tx.Meta.PostBalances[i] - tx.Meta.PreBalances[i]
		if delta <= 0 || i == 0 {
			// Index 0 is the fee payer: our own outgoing transaction.
			return nil, nil
		}
		return &entities.DetectedTransfer{
			TxHash:      signature,
			FromAddress: keys[0],
			ToAddress:   addr,
			RawAmount:   decimal.NewFromInt(delta),
			Amount:      lamports(delta),
			BlockHeight: tx.Slot,
			Detection:   entities.DetectionSignature,
		}, nil
	}
	return nil, nil
}
