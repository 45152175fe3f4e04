package bitcoin

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
)

type esploraTx struct {
	TxID string `json:"txid"`
	Vin  []struct {
		Prevout *struct {
			Address string `json:"scriptpubkey_address"`
			Value   int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
	Status esploraStatus `json:"status"`
}

// Scan walks the address's confirmed history newest-first until it reaches
// the last seen transaction id, then reports the unseen transactions oldest
// first. Mempool transactions are left for a later pass so the cursor only
// ever points at a confirmed transaction.
//
// A walk that runs out of pages before reaching the cursor keeps the cursor
// where it is and records where to resume; later passes continue from there
// and LastTxID moves to the newest covered tx once the gap is closed.
func (c *Client) Scan(ctx context.Context, wallet *entities.Wallet, _ entities.Asset) (*chain.ScanResult, error) {
	cur := wallet.Cursor
	result := &chain.ScanResult{Cursor: cur}

	var unseen []esploraTx
	path := "/address/" + wallet.Address + "/txs"
	if cur.Backfilling() {
		path = "/address/" + wallet.Address + "/txs/chain/" + cur.ResumeBefore
	}
	reachedCursor, exhausted := false, false
	oldest := ""

	for page := 0; page < c.historyPages && !reachedCursor; page++ {
		var txs []esploraTx
		if err := c.get(ctx, path, &txs); err != nil {
			return nil, fmt.Errorf("address history: %w", err)
		}

		confirmed := 0
		for _, tx := range txs {
			if !tx.Status.Confirmed {
				continue
			}
			confirmed++
			if tx.TxID == cur.LastTxID {
				reachedCursor = true
				break
			}
			unseen = append(unseen, tx)
			oldest = tx.TxID
		}
		if confirmed == 0 {
			exhausted = true
			break
		}
		path = "/address/" + wallet.Address + "/txs/chain/" + oldest
	}

	tip := cur.PendingTip
	if tip == "" && len(unseen) > 0 {
		tip = unseen[0].TxID
	}
	if reachedCursor || exhausted {
		if tip != "" {
			result.Cursor.LastTxID = tip
		}
		result.Cursor.PendingTip = ""
		result.Cursor.ResumeBefore = ""
	} else {
		result.Cursor.PendingTip = tip
		result.Cursor.ResumeBefore = oldest
		c.logger.Warn("Bitcoin history truncated, resuming next pass",
			"address", wallet.Address,
			"fetched", len(unseen),
			"resume_before", oldest)
	}

	for i := len(unseen) - 1; i >= 0; i-- {
		tx := unseen[i]
		if spendsFrom(tx, wallet.Address) {
			continue
		}
		var received int64
		for _, out := range tx.Vout {
			if out.Address == wallet.Address {
				received += out.Value
			}
		}
		if received <= 0 {
			continue
		}
		from := ""
		if len(tx.Vin) > 0 && tx.Vin[0].Prevout != nil {
			from = tx.Vin[0].Prevout.Address
		}
		result.Transfers = append(result.Transfers, entities.DetectedTransfer{
			TxHash:      tx.TxID,
			FromAddress: from,
			ToAddress:   wallet.Address,
			RawAmount:   decimal.NewFromInt(received),
			Amount:      satoshis(received),
			BlockHeight: tx.Status.BlockHeight,
			Detection:   entities.DetectionUTXO,
		})
	}

	if len(result.Transfers) > 0 {
		c.logger.Debug("Bitcoin deposits found",
			"address", wallet.Address,
			"count", len(result.Transfers),
			"tip_tx", result.Cursor.LastTxID,
			"first_height", result.Transfers[0].BlockHeight)
	}
	return result, nil
}

// spendsFrom reports an outgoing transaction (a sweep) rather than a deposit.
func spendsFrom(tx esploraTx, addr string) bool {
	for _, in := range tx.Vin {
		if in.Prevout != nil && in.Prevout.Address == addr {
			return true
		}
	}
	return false
}
