// Package bitcoin is the Esplora-backed UTXO chain adapter.
package bitcoin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

const (
	maxHistoryPages = 20
	feeTarget       = "6"
	minFeeRate      = 1.0
	dustLimit       = 546
)

// Config configures the Esplora client.
type Config struct {
	Pool   failover.Config
	Params *chaincfg.Params
}

// Client talks to Blockstream/mempool.space style Esplora providers.
type Client struct {
	pool   *failover.Pool
	http   *http.Client
	params *chaincfg.Params
	logger *logger.Logger

	historyPages int
}

var _ chain.Client = (*Client)(nil)

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	pool, err := failover.NewPool("bitcoin", cfg.Pool, log, failover.WithExhaustedError(apperrors.ErrUpstreamUnavailable))
	if err != nil {
		return nil, err
	}
	params := cfg.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Client{pool: pool, http: &http.Client{}, params: params, logger: log, historyPages: maxHistoryPages}, nil
}

func (c *Client) Chain() entities.Chain { return entities.ChainBitcoin }

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		return failover.DoJSON(ctx, c.http, http.MethodGet, ep.URL+path, nil, nil, out)
	})
}

func satoshis(v int64) decimal.Decimal {
	return decimal.New(v, -entities.ChainBitcoin.NativeDecimals())
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

// CurrentHeight returns the tip height.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := c.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}
	return height, nil
}

// Inclusion reports the confirming block of txHash. Unknown and mempool
// transactions are not found yet.
func (c *Client) Inclusion(ctx context.Context, txHash string) (*chain.Inclusion, error) {
	var status esploraStatus
	err := c.get(ctx, "/tx/"+txHash+"/status", &status)
	if failover.IsStatus(err, http.StatusNotFound) {
		return &chain.Inclusion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tx status %s: %w", txHash, err)
	}
	if !status.Confirmed {
		return &chain.Inclusion{}, nil
	}
	return &chain.Inclusion{Found: true, Height: status.BlockHeight}, nil
}

// NativeBalance returns the confirmed balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	var resp struct {
		ChainStats struct {
			Funded int64 `json:"funded_txo_sum"`
			Spent  int64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
	}
	if err := c.get(ctx, "/address/"+addr, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("address stats %s: %w", addr, err)
	}
	return satoshis(resp.ChainStats.Funded - resp.ChainStats.Spent), nil
}

func (c *Client) AssetBalance(ctx context.Context, addr string, _ entities.Asset) (decimal.Decimal, error) {
	return c.NativeBalance(ctx, addr)
}

// feeRate returns sat/vB for the configured confirmation target.
func (c *Client) feeRate(ctx context.Context) (float64, error) {
	var estimates map[string]float64
	if err := c.get(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, fmt.Errorf("fee estimates: %w", err)
	}
	rate, ok := estimates[feeTarget]
	if !ok || rate < minFeeRate {
		rate = minFeeRate
	}
	return rate, nil
}

// EstimateFee prices a transfer spending every confirmed UTXO of From.
func (c *Client) EstimateFee(ctx context.Context, req chain.TransferRequest) (decimal.Decimal, error) {
	utxos, err := c.utxos(ctx, req.From)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := c.feeRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	inputs := len(utxos)
	if inputs == 0 {
		inputs = 1
	}
	return satoshis(feeFor(rate, inputs, 2)), nil
}

// feeFor prices a P2PKH transaction of the given shape.
func feeFor(rate float64, inputs, outputs int) int64 {
	return int64(rate*float64(EstimateSize(inputs, outputs)) + 0.5)
}

// EstimateSize approximates the size of a P2PKH transaction in bytes.
func EstimateSize(inputs, outputs int) int {
	return 10 + 148*inputs + 34*outputs
}
