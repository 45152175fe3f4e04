// Package solana is the JSON-RPC chain adapter for native SOL.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

const (
	commitment      = "confirmed"
	signaturesLimit = 1000
)

// Config configures the Solana RPC client.
type Config struct {
	Pool failover.Config
}

// Client is a JSON-RPC client over a provider pool.
type Client struct {
	pool   *failover.Pool
	http   *http.Client
	logger *logger.Logger

	pageSize  int
	pageLimit int
}

var _ chain.Client = (*Client)(nil)

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	pool, err := failover.NewPool("solana", cfg.Pool, log, failover.WithExhaustedError(apperrors.ErrUpstreamUnavailable))
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:      pool,
		http:      &http.Client{},
		logger:    log,
		pageSize:  signaturesLimit,
		pageLimit: maxSignaturePages,
	}, nil
}

func (c *Client) Chain() entities.Chain { return entities.ChainSolana }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: RPC error %d: %s", e.Method, e.Code, e.Message)
}

// call performs one JSON-RPC request. Node-level errors (bad params, failed
// preflight) are permanent; HTTP and transport errors rotate providers.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	return c.pool.Do(ctx, func(ctx context.Context, ep failover.Endpoint) error {
		var resp rpcResponse
		if err := failover.DoJSON(ctx, c.http, http.MethodPost, ep.URL, nil, req, &resp); err != nil {
			return err
		}
		if resp.Error != nil {
			rpcErr := &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
			// -32005 node behind, -32004 block not available: another provider may answer.
			if resp.Error.Code == -32005 || resp.Error.Code == -32004 {
				return rpcErr
			}
			return failover.Permanent(rpcErr)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	})
}

func lamports(v int64) decimal.Decimal {
	return decimal.New(v, -entities.ChainSolana.NativeDecimals())
}

// CurrentHeight returns the current confirmed slot.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var slot int64
	if err := c.call(ctx, "getSlot", []interface{}{map[string]string{"commitment": commitment}}, &slot); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

type signatureStatus struct {
	Slot               int64       `json:"slot"`
	ConfirmationStatus *string     `json:"confirmationStatus"`
	Err                interface{} `json:"err"`
}

// Inclusion reads the signature status. Processed-only signatures are not
// yet counted as included.
func (c *Client) Inclusion(ctx context.Context, signature string) (*chain.Inclusion, error) {
	var resp struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []interface{}{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &resp); err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return &chain.Inclusion{}, nil
	}
	s := resp.Value[0]
	if s.ConfirmationStatus != nil && *s.ConfirmationStatus == "processed" {
		return &chain.Inclusion{}, nil
	}
	return &chain.Inclusion{Found: true, Height: s.Slot, Reverted: s.Err != nil}, nil
}

// NativeBalance returns the SOL balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	var resp struct {
		Value int64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{addr, map[string]string{"commitment": commitment}}, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("getBalance for %s: %w", addr, err)
	}
	return lamports(resp.Value), nil
}

func (c *Client) AssetBalance(ctx context.Context, addr string, asset entities.Asset) (decimal.Decimal, error) {
	if !asset.IsNative() {
		return decimal.Zero, fmt.Errorf("%s: %w", asset.Symbol, errTokenUnsupported)
	}
	return c.NativeBalance(ctx, addr)
}

func (c *Client) latestBlockhash(ctx context.Context) ([32]byte, error) {
	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	var hash [32]byte
	if err := c.call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": commitment}}, &resp); err != nil {
		return hash, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	raw, err := base58.Decode(resp.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return hash, fmt.Errorf("invalid blockhash %q", resp.Value.Blockhash)
	}
	copy(hash[:], raw)
	return hash, nil
}

// EstimateFee asks the node to price the exact transfer message.
func (c *Client) EstimateFee(ctx context.Context, req chain.TransferRequest) (decimal.Decimal, error) {
	if !req.Asset.IsNative() {
		return decimal.Zero, fmt.Errorf("%s: %w", req.Asset.Symbol, errTokenUnsupported)
	}
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	msg, err := transferMessage(req.From, req.To, uint64(req.Asset.ToBaseUnits(req.Amount).IntPart()), blockhash)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Value *int64 `json:"value"`
	}
	params := []interface{}{base64.StdEncoding.EncodeToString(msg), map[string]string{"commitment": commitment}}
	if err := c.call(ctx, "getFeeForMessage", params, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("getFeeForMessage: %w", err)
	}
	if resp.Value == nil {
		return decimal.Zero, fmt.Errorf("getFeeForMessage: blockhash expired")
	}
	return lamports(*resp.Value), nil
}
