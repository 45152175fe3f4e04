package ethereum

import (
	"context"
	"fmt"
	"math/big"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
)

// Scan detects ERC-20 deposits from Transfer logs and native ETH deposits
// by diffing balance snapshots, since plain value transfers emit no log.
func (c *Client) Scan(ctx context.Context, wallet *entities.Wallet, asset entities.Asset) (*chain.ScanResult, error) {
	head, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	if asset.IsNative() {
		return c.scanBalanceDiff(ctx, wallet, head)
	}
	return c.scanLogs(ctx, wallet, asset, head)
}

// scanLogs covers at most one log range per pass; the cursor is the last block
// fully scanned. A fresh wallet starts one range behind the head.
func (c *Client) scanLogs(ctx context.Context, wallet *entities.Wallet, asset entities.Asset, head int64) (*chain.ScanResult, error) {
	result := &chain.ScanResult{Cursor: wallet.Cursor}

	from := wallet.Cursor.BlockHeight + 1
	if wallet.Cursor.BlockHeight == 0 {
		from = head - c.logRange + 1
		if from < 0 {
			from = 0
		}
	}
	if from > head {
		return result, nil
	}
	to := from + c.logRange - 1
	if to > head {
		to = head
	}

	recipient := common.HexToAddress(wallet.Address)
	query := goethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []common.Address{common.HexToAddress(asset.Contract)},
		Topics:    [][]common.Hash{{transferTopic}, nil, {common.BytesToHash(recipient.Bytes())}},
	}

	var logs []types.Log
	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		l, err := b.FilterLogs(ctx, query)
		logs = l
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	// One entry per transaction; several Transfer logs in the same tx are summed.
	byTx := make(map[common.Hash]int)
	for _, l := range logs {
		if l.Removed || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		raw := decimal.NewFromBigInt(new(big.Int).SetBytes(l.Data), 0)
		if idx, ok := byTx[l.TxHash]; ok {
			t := &result.Transfers[idx]
			t.RawAmount = t.RawAmount.Add(raw)
			t.Amount = asset.FromBaseUnits(t.RawAmount)
			continue
		}
		byTx[l.TxHash] = len(result.Transfers)
		result.Transfers = append(result.Transfers, entities.DetectedTransfer{
			TxHash:        l.TxHash.Hex(),
			FromAddress:   common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			ToAddress:     wallet.Address,
			TokenContract: asset.Contract,
			RawAmount:     raw,
			Amount:        asset.FromBaseUnits(raw),
			BlockHeight:   int64(l.BlockNumber),
			Detection:     entities.DetectionTransferLog,
		})
	}

	result.Cursor.BlockHeight = to
	return result, nil
}

// scanBalanceDiff compares the balance at head with the previous snapshot.
// The first observation only records a baseline.
func (c *Client) scanBalanceDiff(ctx context.Context, wallet *entities.Wallet, head int64) (*chain.ScanResult, error) {
	result := &chain.ScanResult{Cursor: wallet.Cursor}
	if wallet.Cursor.NativeBalance != nil && head <= wallet.Cursor.NativeHeight {
		return result, nil
	}

	wei, err := c.balanceAt(ctx, common.HexToAddress(wallet.Address), big.NewInt(head))
	if err != nil {
		return nil, err
	}
	raw := decimal.NewFromBigInt(wei, 0)
	current := raw.Shift(-entities.ChainEthereum.NativeDecimals())

	if prev := wallet.Cursor.NativeBalance; prev != nil && current.GreaterThan(*prev) {
		diff := current.Sub(*prev)
		result.Transfers = append(result.Transfers, entities.DetectedTransfer{
			ToAddress:   wallet.Address,
			RawAmount:   diff.Shift(entities.ChainEthereum.NativeDecimals()),
			Amount:      diff,
			BlockHeight: head,
			Detection:   entities.DetectionBalanceDiff,
			Reference:   chain.BalanceDiffReference(entities.ChainEthereum, wallet.Address, head),
		})
	}

	result.Cursor.NativeBalance = &current
	result.Cursor.NativeHeight = head
	return result, nil
}
