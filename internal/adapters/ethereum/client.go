// Package ethereum is the JSON-RPC chain adapter for ETH and ERC-20 assets.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	nativeGasLimit      = 21000
	defaultLogRange     = 2000
	gasLimitHeadroomPct = 20
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]types.Log, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// DialFunc opens a backend for a provider URL.
type DialFunc func(ctx context.Context, url string) (Backend, error)

func dialEthclient(ctx context.Context, url string) (Backend, error) {
	return ethclient.DialContext(ctx, url)
}

// Config configures the Ethereum client.
type Config struct {
	Pool          failover.Config
	ChainID       int64
	LogRangeLimit int64
	// MaxGasPrice caps SuggestGasPrice, in wei. Zero means uncapped.
	MaxGasPrice *big.Int
	Dial        DialFunc
}

// Client holds one lazily dialled backend per provider.
type Client struct {
	pool        *failover.Pool
	dial        DialFunc
	chainID     *big.Int
	logRange    int64
	maxGasPrice *big.Int
	erc20       abi.ABI
	logger      *logger.Logger

	mu       sync.Mutex
	backends map[string]Backend
}

var _ chain.Client = (*Client)(nil)

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("ethereum chain id is required")
	}
	pool, err := failover.NewPool("ethereum", cfg.Pool, log, failover.WithExhaustedError(apperrors.ErrUpstreamUnavailable))
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	dial := cfg.Dial
	if dial == nil {
		dial = dialEthclient
	}
	logRange := cfg.LogRangeLimit
	if logRange <= 0 {
		logRange = defaultLogRange
	}

	return &Client{
		pool:        pool,
		dial:        dial,
		chainID:     big.NewInt(cfg.ChainID),
		logRange:    logRange,
		maxGasPrice: cfg.MaxGasPrice,
		erc20:       parsed,
		logger:      log,
		backends:    make(map[string]Backend),
	}, nil
}

func (c *Client) Chain() entities.Chain { return entities.ChainEthereum }

func (c *Client) backend(ctx context.Context, ep failover.Endpoint) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[ep.URL]; ok {
		return b, nil
	}
	b, err := c.dial(ctx, ep.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Name, err)
	}
	c.backends[ep.URL] = b
	return b, nil
}

// do runs fn against the current provider with failover.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context, b Backend) error) error {
	return c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		b, err := c.backend(ctx, ep)
		if err != nil {
			return err
		}
		return fn(ctx, b)
	})
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var height uint64
	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		h, err := b.BlockNumber(ctx)
		height = h
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return int64(height), nil
}

// Inclusion reads the transaction receipt. A missing receipt means not yet mined.
func (c *Client) Inclusion(ctx context.Context, txHash string) (*chain.Inclusion, error) {
	var receipt *types.Receipt
	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		r, err := b.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, goethereum.NotFound) {
			return nil
		}
		receipt = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transaction receipt %s: %w", txHash, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return &chain.Inclusion{}, nil
	}
	return &chain.Inclusion{
		Found:    true,
		Height:   receipt.BlockNumber.Int64(),
		Reverted: receipt.Status != types.ReceiptStatusSuccessful,
	}, nil
}

// NativeBalance returns the ETH balance of addr at the latest block.
func (c *Client) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	wei, err := c.balanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -entities.ChainEthereum.NativeDecimals()), nil
}

func (c *Client) balanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	var wei *big.Int
	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		v, err := b.BalanceAt(ctx, addr, block)
		wei = v
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ETH balance: %w", err)
	}
	return wei, nil
}

// AssetBalance returns the balance of asset held by addr.
func (c *Client) AssetBalance(ctx context.Context, addr string, asset entities.Asset) (decimal.Decimal, error) {
	if asset.IsNative() {
		return c.NativeBalance(ctx, addr)
	}
	data, err := c.erc20.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	contract := common.HexToAddress(asset.Contract)

	var out []byte
	err = c.do(ctx, func(ctx context.Context, b Backend) error {
		res, err := b.CallContract(ctx, goethereum.CallMsg{To: &contract, Data: data}, nil)
		out = res
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(out) == 0 {
		return decimal.Zero, nil
	}
	return asset.FromBaseUnits(decimal.NewFromBigInt(new(big.Int).SetBytes(out), 0)), nil
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		p, err := b.SuggestGasPrice(ctx)
		price = p
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.maxGasPrice != nil && c.maxGasPrice.Sign() > 0 && price.Cmp(c.maxGasPrice) > 0 {
		price = new(big.Int).Set(c.maxGasPrice)
	}
	return price, nil
}

// gasLimit estimates the transfer's gas with headroom. Native transfers to
// externally owned accounts always cost 21000.
func (c *Client) gasLimit(ctx context.Context, req chain.TransferRequest) (uint64, []byte, error) {
	if req.Asset.IsNative() {
		return nativeGasLimit, nil, nil
	}
	data, err := c.erc20.Pack("transfer", common.HexToAddress(req.To), req.Asset.ToBaseUnits(req.Amount).BigInt())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	from := common.HexToAddress(req.From)
	contract := common.HexToAddress(req.Asset.Contract)

	var gas uint64
	err = c.do(ctx, func(ctx context.Context, b Backend) error {
		g, err := b.EstimateGas(ctx, goethereum.CallMsg{From: from, To: &contract, Data: data})
		gas = g
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("estimate gas: %w", err)
	}
	return gas + gas*gasLimitHeadroomPct/100, data, nil
}

// EstimateFee returns gasPrice × gasLimit in ETH.
func (c *Client) EstimateFee(ctx context.Context, req chain.TransferRequest) (decimal.Decimal, error) {
	price, err := c.gasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	limit, _, err := c.gasLimit(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(limit))
	return decimal.NewFromBigInt(wei, -entities.ChainEthereum.NativeDecimals()), nil
}
