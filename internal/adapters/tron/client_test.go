package tron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

const usdtContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

var usdt = entities.Asset{Symbol: "USDT", Chain: entities.ChainTron, Contract: usdtContract, Decimals: 6}

func newTestClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	cfg := failover.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryInterval = time.Millisecond
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000
	for _, u := range urls {
		cfg.Endpoints = append(cfg.Endpoints, failover.Endpoint{URL: u, APIKey: "key"})
	}
	c, err := NewClient(Config{Pool: cfg}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestScanTRC20(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(apiKeyHeader))
		assert.Equal(t, "/v1/accounts/TDeposit/transactions/trc20", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("min_timestamp"))
		writeJSON(w, map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"transaction_id": "tx-1", "block_timestamp": 2000, "from": "TSender", "to": "TDeposit",
					"type": "Transfer", "value": "12500000",
					"token_info": map[string]interface{}{"address": usdtContract, "decimals": 6},
				},
				{
					"transaction_id": "tx-2", "block_timestamp": 3000, "from": "TSender", "to": "TOther",
					"type": "Transfer", "value": "1",
					"token_info": map[string]interface{}{"address": usdtContract, "decimals": 6},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	wallet := &entities.Wallet{Address: "TDeposit", Cursor: entities.WalletCursor{Timestamp: 1000}}

	res, err := c.Scan(context.Background(), wallet, usdt)
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, "tx-1", res.Transfers[0].TxHash)
	assert.True(t, res.Transfers[0].Amount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, entities.DetectionTransferLog, res.Transfers[0].Detection)
	assert.Equal(t, int64(2000), res.Cursor.Timestamp)
}

func TestInclusion(t *testing.T) {
	responses := map[string]interface{}{
		"pending":  map[string]interface{}{},
		"included": map[string]interface{}{"id": "included", "blockNumber": 500, "receipt": map[string]string{"result": "SUCCESS"}},
		"reverted": map[string]interface{}{"id": "reverted", "blockNumber": 501, "receipt": map[string]string{"result": "REVERT"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, responses[body["value"]])
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	inc, err := c.Inclusion(ctx, "pending")
	require.NoError(t, err)
	assert.False(t, inc.Found)

	inc, err = c.Inclusion(ctx, "included")
	require.NoError(t, err)
	assert.Equal(t, chain.Inclusion{Found: true, Height: 500}, *inc)

	inc, err = c.Inclusion(ctx, "reverted")
	require.NoError(t, err)
	assert.True(t, inc.Reverted)
}

func TestCurrentHeight_RotatesToHealthyProvider(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"block_header": map[string]interface{}{"raw_data": map[string]int64{"number": 777}}})
	}))
	defer up.Close()

	c := newTestClient(t, down.URL, up.URL)
	h, err := c.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(777), h)
	assert.Equal(t, up.URL, c.pool.Current().URL)
}

func TestCurrentHeight_AllProvidersDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c := newTestClient(t, down.URL)
	_, err := c.CurrentHeight(context.Background())
	assert.True(t, apperrors.IsUpstreamUnavailable(err))
}

func TestSendNative_SignsAndBroadcasts(t *testing.T) {
	rawHex := "0a025bd32208f1a7b1c6d7c1c25b40e8d4f5c7ea315a68080112640a2d747970652e676f6f676c65617069732e636f6d2f70726f746f636f6c2e5472616e73666572436f6e747261637412330a1541"
	raw, _ := hex.DecodeString(rawHex)
	digest := sha256.Sum256(raw)
	txID := hex.EncodeToString(digest[:])

	var broadcast unsignedTx
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/createtransaction":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(1_500_000), body["amount"])
			writeJSON(w, map[string]interface{}{"txID": txID, "raw_data": map[string]int{"expiration": 1}, "raw_data_hex": rawHex, "visible": true})
		case "/wallet/broadcasttransaction":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&broadcast))
			writeJSON(w, map[string]interface{}{"result": true, "txid": txID})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := vault.NewSigningKey(entities.ChainTron, "TFrom", crypto.FromECDSA(priv))
	defer key.Release()

	c := newTestClient(t, srv.URL)
	hash, err := c.Send(context.Background(), key, chain.TransferRequest{
		Asset:  entities.Asset{Symbol: "TRX", Chain: entities.ChainTron, Decimals: 6},
		From:   "TFrom",
		To:     usdtContract,
		Amount: decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, txID, hash)
	require.Len(t, broadcast.Signature, 1)
	assert.Len(t, broadcast.Signature[0], 130)

	sig, _ := hex.DecodeString(broadcast.Signature[0])
	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), crypto.PubkeyToAddress(*pub))
}

func TestSend_RejectsMismatchedTxID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"txID": strings.Repeat("ab", 32), "raw_data": map[string]int{}, "raw_data_hex": "0a02"})
	}))
	defer srv.Close()

	priv, _ := crypto.GenerateKey()
	key := vault.NewSigningKey(entities.ChainTron, "TFrom", crypto.FromECDSA(priv))
	defer key.Release()

	c := newTestClient(t, srv.URL)
	_, err := c.Send(context.Background(), key, chain.TransferRequest{
		Asset: entities.Asset{Symbol: "TRX", Chain: entities.ChainTron, Decimals: 6},
		From:  "TFrom", To: usdtContract, Amount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched id")
}

func TestEstimateFee_TRC20UsesDryRunEnergy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/getchainparameters":
			writeJSON(w, map[string]interface{}{"chainParameter": []map[string]interface{}{
				{"key": "getEnergyFee", "value": 420},
				{"key": "getTransactionFee", "value": 1000},
			}})
		case "/wallet/triggerconstantcontract":
			writeJSON(w, map[string]interface{}{"energy_used": 65000, "result": map[string]bool{"result": true}})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	fee, err := c.EstimateFee(context.Background(), chain.TransferRequest{
		Asset: usdt, From: usdtContract, To: usdtContract, Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	// 65000*420 + 350*1000 sun
	assert.True(t, fee.Equal(decimal.RequireFromString("27.65")), fee.String())
}
