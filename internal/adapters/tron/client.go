// Package tron is the TronGrid-backed chain adapter (TRX and TRC20).
package tron

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

const (
	apiKeyHeader = "TRON-PRO-API-KEY"

	// Approximate serialized sizes used for bandwidth pricing.
	nativeTxBytes = 270
	tokenTxBytes  = 350

	defaultFeeLimit = 30_000_000 // 30 TRX in sun
	pageSize        = 200
	maxPages        = 10
)

// Config configures the TronGrid client.
type Config struct {
	Pool     failover.Config
	FeeLimit int64
}

// Client talks to one or more TronGrid-compatible providers.
type Client struct {
	pool     *failover.Pool
	http     *http.Client
	feeLimit int64
	logger   *logger.Logger
}

var _ chain.Client = (*Client)(nil)

// NewClient builds a TRON client with its own provider pool.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	pool, err := failover.NewPool("tron", cfg.Pool, log, failover.WithExhaustedError(apperrors.ErrUpstreamUnavailable))
	if err != nil {
		return nil, err
	}
	feeLimit := cfg.FeeLimit
	if feeLimit <= 0 {
		feeLimit = defaultFeeLimit
	}
	return &Client{
		pool:     pool,
		http:     &http.Client{},
		feeLimit: feeLimit,
		logger:   log,
	}, nil
}

func (c *Client) Chain() entities.Chain { return entities.ChainTron }

func headers(ep failover.Endpoint) map[string]string {
	if ep.APIKey == "" {
		return nil
	}
	return map[string]string{apiKeyHeader: ep.APIKey}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		return failover.DoJSON(ctx, c.http, http.MethodGet, ep.URL+path, headers(ep), nil, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		return failover.DoJSON(ctx, c.http, http.MethodPost, ep.URL+path, headers(ep), body, out)
	})
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.post(ctx, "/wallet/getnowblock", map[string]interface{}{}, &resp); err != nil {
		return 0, fmt.Errorf("get now block: %w", err)
	}
	return resp.BlockHeader.RawData.Number, nil
}

// Inclusion looks up the block a transaction was included in.
func (c *Client) Inclusion(ctx context.Context, txHash string) (*chain.Inclusion, error) {
	var resp struct {
		ID          string `json:"id"`
		BlockNumber int64  `json:"blockNumber"`
		Result      string `json:"result"`
		Receipt     struct {
			Result string `json:"result"`
		} `json:"receipt"`
	}
	if err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txHash}, &resp); err != nil {
		return nil, fmt.Errorf("get transaction info %s: %w", txHash, err)
	}
	if resp.ID == "" || resp.BlockNumber == 0 {
		return &chain.Inclusion{}, nil
	}
	reverted := resp.Result == "FAILED" || (resp.Receipt.Result != "" && resp.Receipt.Result != "SUCCESS")
	return &chain.Inclusion{Found: true, Height: resp.BlockNumber, Reverted: reverted}, nil
}

// NativeBalance returns the TRX balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := c.post(ctx, "/wallet/getaccount", map[string]interface{}{"address": addr, "visible": true}, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("get account %s: %w", addr, err)
	}
	return decimal.New(resp.Balance, -entities.ChainTron.NativeDecimals()), nil
}

// AssetBalance returns the balance of asset held by addr.
func (c *Client) AssetBalance(ctx context.Context, addr string, asset entities.Asset) (decimal.Decimal, error) {
	if asset.IsNative() {
		return c.NativeBalance(ctx, addr)
	}
	param, err := addressParam(addr)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.constantCall(ctx, addr, asset.Contract, "balanceOf(address)", param)
	if err != nil {
		return decimal.Zero, err
	}
	if len(resp.ConstantResult) == 0 {
		return decimal.Zero, nil
	}
	raw, ok := new(big.Int).SetString(strings.TrimLeft(resp.ConstantResult[0], "0"), 16)
	if !ok {
		raw = big.NewInt(0)
	}
	return asset.FromBaseUnits(decimal.NewFromBigInt(raw, 0)), nil
}

type constantResponse struct {
	ConstantResult []string `json:"constant_result"`
	EnergyUsed     int64    `json:"energy_used"`
	Result         struct {
		Result  bool   `json:"result"`
		Message string `json:"message"`
	} `json:"result"`
}

func (c *Client) constantCall(ctx context.Context, owner, contract, selector, param string) (*constantResponse, error) {
	var resp constantResponse
	body := map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  contract,
		"function_selector": selector,
		"parameter":         param,
		"visible":           true,
	}
	if err := c.post(ctx, "/wallet/triggerconstantcontract", body, &resp); err != nil {
		return nil, fmt.Errorf("constant call %s: %w", selector, err)
	}
	return &resp, nil
}

// chainParameters returns the current energy and bandwidth prices in sun.
func (c *Client) chainParameters(ctx context.Context) (energyFee, bandwidthFee int64, err error) {
	var resp struct {
		ChainParameter []struct {
			Key   string `json:"key"`
			Value int64  `json:"value"`
		} `json:"chainParameter"`
	}
	if err := c.post(ctx, "/wallet/getchainparameters", map[string]interface{}{}, &resp); err != nil {
		return 0, 0, fmt.Errorf("get chain parameters: %w", err)
	}
	for _, p := range resp.ChainParameter {
		switch p.Key {
		case "getEnergyFee":
			energyFee = p.Value
		case "getTransactionFee":
			bandwidthFee = p.Value
		}
	}
	return energyFee, bandwidthFee, nil
}

// EstimateFee prices the transfer from current chain parameters and, for
// TRC20, a dry-run of the transfer call.
func (c *Client) EstimateFee(ctx context.Context, req chain.TransferRequest) (decimal.Decimal, error) {
	energyFee, bandwidthFee, err := c.chainParameters(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Asset.IsNative() {
		return decimal.New(nativeTxBytes*bandwidthFee, -entities.ChainTron.NativeDecimals()), nil
	}

	param, err := transferParam(req.To, req.Asset.ToBaseUnits(req.Amount).BigInt())
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.constantCall(ctx, req.From, req.Asset.Contract, "transfer(address,uint256)", param)
	if err != nil {
		return decimal.Zero, err
	}
	sun := resp.EnergyUsed*energyFee + tokenTxBytes*bandwidthFee
	return decimal.New(sun, -entities.ChainTron.NativeDecimals()), nil
}

// addressParam ABI-encodes a base58 address as a 32-byte word.
func addressParam(addr string) (string, error) {
	a, err := address.Base58ToAddress(addr)
	if err != nil {
		return "", failover.Permanent(fmt.Errorf("invalid TRON address %s: %w", addr, err))
	}
	return hex.EncodeToString(common.LeftPadBytes(a.Bytes()[1:], 32)), nil
}

func transferParam(to string, amount *big.Int) (string, error) {
	toParam, err := addressParam(to)
	if err != nil {
		return "", err
	}
	return toParam + hex.EncodeToString(common.LeftPadBytes(amount.Bytes(), 32)), nil
}

// base58FromHex converts a 41-prefixed hex address as returned in raw transactions.
func base58FromHex(h string) string {
	if h == "" || !strings.HasPrefix(h, "41") {
		return h
	}
	return address.HexToAddress(h).String()
}
