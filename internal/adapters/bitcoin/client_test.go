package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

var btc = entities.Asset{Symbol: "BTC", Chain: entities.ChainBitcoin, Decimals: 8}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := failover.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryInterval = time.Millisecond
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000
	cfg.Endpoints = []failover.Endpoint{{URL: url}}
	c, err := NewClient(Config{Pool: cfg, Params: &chaincfg.TestNet3Params}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func tx(id, from, to string, value int64, confirmed bool, height int64) map[string]interface{} {
	return map[string]interface{}{
		"txid": id,
		"vin":  []map[string]interface{}{{"prevout": map[string]interface{}{"scriptpubkey_address": from, "value": value + 1000}}},
		"vout": []map[string]interface{}{{"scriptpubkey_address": to, "value": value}},
		"status": map[string]interface{}{"confirmed": confirmed, "block_height": height},
	}
}

func TestScan_DiffsAgainstLastSeenTx(t *testing.T) {
	const addr = "tb1qdeposit"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/" + addr + "/txs":
			writeJSON(w, []interface{}{
				tx("mempool", "sender", addr, 900, false, 0),
				tx("new-2", "sender", addr, 3000, true, 103),
				tx("sweep", addr, "hot", 4000, true, 102),
				tx("new-1", "sender", addr, 2000, true, 101),
				tx("seen", "sender", addr, 1000, true, 100),
				tx("older", "sender", addr, 500, true, 99),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	wallet := &entities.Wallet{Address: addr, Cursor: entities.WalletCursor{LastTxID: "seen"}}

	res, err := c.Scan(context.Background(), wallet, btc)
	require.NoError(t, err)
	require.Len(t, res.Transfers, 2)
	assert.Equal(t, "new-1", res.Transfers[0].TxHash)
	assert.Equal(t, "new-2", res.Transfers[1].TxHash)
	assert.True(t, res.Transfers[1].Amount.Equal(decimal.RequireFromString("0.00003")))
	assert.Equal(t, int64(103), res.Transfers[1].BlockHeight)
	assert.Equal(t, entities.DetectionUTXO, res.Transfers[0].Detection)
	assert.Equal(t, "new-2", res.Cursor.LastTxID)
}

func TestScan_NothingNewKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []interface{}{tx("seen", "sender", "a", 1000, true, 100)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	wallet := &entities.Wallet{Address: "a", Cursor: entities.WalletCursor{LastTxID: "seen"}}
	res, err := c.Scan(context.Background(), wallet, btc)
	require.NoError(t, err)
	assert.Empty(t, res.Transfers)
	assert.Equal(t, "seen", res.Cursor.LastTxID)
}

func TestScan_TruncatedHistoryResumesBeforeAdvancing(t *testing.T) {
	const addr = "tb1qbusy"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/" + addr + "/txs":
			writeJSON(w, []interface{}{
				tx("mempool", "sender", addr, 900, false, 0),
				tx("new-3", "sender", addr, 3000, true, 103),
				tx("new-2", "sender", addr, 2000, true, 102),
			})
		case "/address/" + addr + "/txs/chain/new-2":
			writeJSON(w, []interface{}{
				tx("new-1", "sender", addr, 1000, true, 101),
				tx("seen", "sender", addr, 500, true, 100),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.historyPages = 1
	wallet := &entities.Wallet{Address: addr, Cursor: entities.WalletCursor{LastTxID: "seen"}}

	first, err := c.Scan(context.Background(), wallet, btc)
	require.NoError(t, err)
	require.Len(t, first.Transfers, 2)
	assert.Equal(t, "new-2", first.Transfers[0].TxHash)
	assert.Equal(t, "new-3", first.Transfers[1].TxHash)
	assert.Equal(t, "seen", first.Cursor.LastTxID, "cursor must not skip the unfetched gap")
	assert.Equal(t, "new-3", first.Cursor.PendingTip)
	assert.Equal(t, "new-2", first.Cursor.ResumeBefore)

	wallet.Cursor = first.Cursor
	second, err := c.Scan(context.Background(), wallet, btc)
	require.NoError(t, err)
	require.Len(t, second.Transfers, 1)
	assert.Equal(t, "new-1", second.Transfers[0].TxHash)
	assert.Equal(t, "new-3", second.Cursor.LastTxID)
	assert.False(t, second.Cursor.Backfilling())
	assert.Empty(t, second.Cursor.PendingTip)

	wallet.Cursor = second.Cursor
	third, err := c.Scan(context.Background(), wallet, btc)
	require.NoError(t, err)
	assert.Empty(t, third.Transfers)
	assert.Equal(t, "new-3", third.Cursor.LastTxID)
}

func TestInclusion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/mined/status":
			writeJSON(w, map[string]interface{}{"confirmed": true, "block_height": 800000})
		case "/tx/mempool/status":
			writeJSON(w, map[string]interface{}{"confirmed": false})
		default:
			http.Error(w, "Transaction not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	inc, err := c.Inclusion(ctx, "mined")
	require.NoError(t, err)
	assert.Equal(t, chain.Inclusion{Found: true, Height: 800000}, *inc)

	inc, err = c.Inclusion(ctx, "mempool")
	require.NoError(t, err)
	assert.False(t, inc.Found)

	inc, err = c.Inclusion(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, inc.Found)
}

func TestSend_BuildsSignedP2PKH(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	params := &chaincfg.TestNet3Params
	fromAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), params)
	require.NoError(t, err)
	from := fromAddr.EncodeAddress()

	hotPriv, _ := btcec.NewPrivateKey()
	hotAddr, _ := btcutil.NewAddressPubKeyHash(btcutil.Hash160(hotPriv.PubKey().SerializeCompressed()), params)

	prevTxID := strings.Repeat("11", 32)
	var broadcast string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/" + from + "/utxo":
			writeJSON(w, []interface{}{
				map[string]interface{}{"txid": prevTxID, "vout": 0, "value": 100000, "status": map[string]bool{"confirmed": true}},
				map[string]interface{}{"txid": prevTxID, "vout": 1, "value": 5000, "status": map[string]bool{"confirmed": false}},
			})
		case "/fee-estimates":
			writeJSON(w, map[string]float64{"1": 20, "6": 10})
		case "/tx":
			body, _ := io.ReadAll(r.Body)
			broadcast = string(body)
			_, _ = w.Write([]byte("ignored"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	key := vault.NewSigningKey(entities.ChainBitcoin, from, priv.Serialize())
	defer key.Release()

	txID, err := c.Send(context.Background(), key, chain.TransferRequest{
		Asset: btc, From: from, To: hotAddr.EncodeAddress(), Amount: decimal.RequireFromString("0.0009"),
	})
	require.NoError(t, err)

	raw, err := hex.DecodeString(broadcast)
	require.NoError(t, err)
	var msg wire.MsgTx
	require.NoError(t, msg.Deserialize(bytes.NewReader(raw)))

	assert.Equal(t, txID, msg.TxHash().String())
	require.Len(t, msg.TxIn, 1)
	require.Len(t, msg.TxOut, 2)
	assert.Equal(t, int64(90000), msg.TxOut[0].Value)
	// fee = 10 sat/vB × (10 + 148 + 68) = 2260
	assert.Equal(t, int64(100000-90000-2260), msg.TxOut[1].Value)

	pkScript, _ := txscript.PayToAddrScript(fromAddr)
	vm, err := txscript.NewEngine(pkScript, &msg, 0, txscript.StandardVerifyFlags, nil, nil, 100000,
		txscript.NewCannedPrevOutputFetcher(pkScript, 100000))
	require.NoError(t, err)
	assert.NoError(t, vm.Execute())
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, 226, EstimateSize(1, 2))
	assert.Equal(t, int64(2260), feeFor(10, 1, 2))
}
