package tron

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
)

type trc20Transfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
	} `json:"token_info"`
}

type nativeTransaction struct {
	TxID           string `json:"txID"`
	BlockNumber    int64  `json:"blockNumber"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Ret            []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []struct {
			Type      string `json:"type"`
			Parameter struct {
				Value struct {
					Amount       int64  `json:"amount"`
					OwnerAddress string `json:"owner_address"`
					ToAddress    string `json:"to_address"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

type page[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"meta"`
}

// Scan queries inbound transfers by recipient since the wallet's timestamp
// cursor. The lower bound is inclusive so transfers sharing the cursor
// millisecond are not skipped; replays are absorbed by the reference key.
func (c *Client) Scan(ctx context.Context, wallet *entities.Wallet, asset entities.Asset) (*chain.ScanResult, error) {
	if asset.IsNative() {
		return c.scanNative(ctx, wallet)
	}
	return c.scanTRC20(ctx, wallet, asset)
}

func (c *Client) scanTRC20(ctx context.Context, wallet *entities.Wallet, asset entities.Asset) (*chain.ScanResult, error) {
	result := &chain.ScanResult{Cursor: wallet.Cursor}
	fingerprint := ""

	for i := 0; i < maxPages; i++ {
		q := url.Values{}
		q.Set("only_to", "true")
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("order_by", "block_timestamp,asc")
		q.Set("contract_address", asset.Contract)
		q.Set("min_timestamp", strconv.FormatInt(wallet.Cursor.Timestamp, 10))
		if fingerprint != "" {
			q.Set("fingerprint", fingerprint)
		}

		var resp page[trc20Transfer]
		path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?%s", wallet.Address, q.Encode())
		if err := c.get(ctx, path, &resp); err != nil {
			return nil, fmt.Errorf("list trc20 transfers: %w", err)
		}

		for _, t := range resp.Data {
			if t.To != wallet.Address || t.Type != "Transfer" || t.TokenInfo.Address != asset.Contract {
				continue
			}
			raw, err := decimal.NewFromString(t.Value)
			if err != nil {
				c.logger.Warn("Skipping transfer with malformed value", "tx_hash", t.TransactionID, "value", t.Value)
				continue
			}
			result.Transfers = append(result.Transfers, entities.DetectedTransfer{
				TxHash:        t.TransactionID,
				FromAddress:   t.From,
				ToAddress:     t.To,
				TokenContract: t.TokenInfo.Address,
				RawAmount:     raw,
				Amount:        asset.FromBaseUnits(raw),
				Detection:     entities.DetectionTransferLog,
			})
			if t.BlockTimestamp > result.Cursor.Timestamp {
				result.Cursor.Timestamp = t.BlockTimestamp
			}
		}

		if len(resp.Data) < pageSize || resp.Meta.Fingerprint == "" {
			break
		}
		fingerprint = resp.Meta.Fingerprint
	}
	return result, nil
}

func (c *Client) scanNative(ctx context.Context, wallet *entities.Wallet) (*chain.ScanResult, error) {
	result := &chain.ScanResult{Cursor: wallet.Cursor}
	fingerprint := ""

	for i := 0; i < maxPages; i++ {
		q := url.Values{}
		q.Set("only_to", "true")
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("order_by", "block_timestamp,asc")
		q.Set("min_timestamp", strconv.FormatInt(wallet.Cursor.Timestamp, 10))
		if fingerprint != "" {
			q.Set("fingerprint", fingerprint)
		}

		var resp page[nativeTransaction]
		path := fmt.Sprintf("/v1/accounts/%s/transactions?%s", wallet.Address, q.Encode())
		if err := c.get(ctx, path, &resp); err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}

		for _, tx := range resp.Data {
			if tx.BlockTimestamp > result.Cursor.Timestamp {
				result.Cursor.Timestamp = tx.BlockTimestamp
			}
			if len(tx.RawData.Contract) != 1 || tx.RawData.Contract[0].Type != "TransferContract" {
				continue
			}
			if len(tx.Ret) > 0 && tx.Ret[0].ContractRet != "SUCCESS" {
				continue
			}
			v := tx.RawData.Contract[0].Parameter.Value
			if base58FromHex(v.ToAddress) != wallet.Address || v.Amount <= 0 {
				continue
			}
			raw := decimal.NewFromInt(v.Amount)
			result.Transfers = append(result.Transfers, entities.DetectedTransfer{
				TxHash:      tx.TxID,
				FromAddress: base58FromHex(v.OwnerAddress),
				ToAddress:   wallet.Address,
				RawAmount:   raw,
				Amount:      raw.Shift(-entities.ChainTron.NativeDecimals()),
				BlockHeight: tx.BlockNumber,
				Detection:   entities.DetectionTransferLog,
			})
		}

		if len(resp.Data) < pageSize || resp.Meta.Fingerprint == "" {
			break
		}
		fingerprint = resp.Meta.Fingerprint
	}
	return result, nil
}
