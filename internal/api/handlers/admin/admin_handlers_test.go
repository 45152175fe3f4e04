package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/api/handlers"
	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	handlers.RegisterValidators()
}

type fakeTreasury struct {
	adjustments []ledger.AdminAdjustment
	err         error
}

func (f *fakeTreasury) AdminCredit(ctx context.Context, adj ledger.AdminAdjustment) (*entities.LedgerEntry, error) {
	return f.record(adj)
}

func (f *fakeTreasury) AdminDebit(ctx context.Context, adj ledger.AdminAdjustment) (*entities.LedgerEntry, error) {
	return f.record(adj)
}

func (f *fakeTreasury) record(adj ledger.AdminAdjustment) (*entities.LedgerEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.adjustments = append(f.adjustments, adj)
	return &entities.LedgerEntry{ID: uuid.New(), Amount: adj.Amount, Currency: adj.Currency}, nil
}

type fakeSweeps struct {
	requeued []uuid.UUID
	err      error
}

func (f *fakeSweeps) ListFailed(ctx context.Context, limit, offset int) ([]*entities.SweepQueueItem, error) {
	return []*entities.SweepQueueItem{{ID: uuid.New(), Status: entities.QueueStatusFailed}}, nil
}

func (f *fakeSweeps) Requeue(ctx context.Context, id uuid.UUID) error {
	f.requeued = append(f.requeued, id)
	return f.err
}

type fakeWebhooks struct {
	limit, offset int
}

func (f *fakeWebhooks) ListFailed(ctx context.Context, limit, offset int) ([]*entities.WebhookQueueItem, error) {
	f.limit, f.offset = limit, offset
	return nil, nil
}

func (f *fakeWebhooks) Requeue(ctx context.Context, id uuid.UUID) error { return nil }

type fixture struct {
	router   *gin.Engine
	treasury *fakeTreasury
	sweeps   *fakeSweeps
	webhooks *fakeWebhooks
	accounts Accounts
}

func newFixture() *fixture {
	f := &fixture{
		treasury: &fakeTreasury{},
		sweeps:   &fakeSweeps{},
		webhooks: &fakeWebhooks{},
		accounts: Accounts{Treasury: uuid.New(), Fees: uuid.New()},
	}
	h := NewAdminHandlers(f.treasury, f.sweeps, f.webhooks, f.accounts, logger.NewNop())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("operator", "ops@example.com")
		c.Next()
	})
	r.POST("/treasury/credit", h.CreditTreasury)
	r.POST("/treasury/debit", h.DebitTreasury)
	r.GET("/sweeps/failed", h.ListFailedSweeps)
	r.POST("/sweeps/:id/requeue", h.RequeueSweep)
	r.GET("/webhooks/failed", h.ListFailedWebhooks)
	r.POST("/webhooks/:id/requeue", h.RequeueWebhook)
	f.router = r
	return f
}

func (f *fixture) send(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreditTreasury(t *testing.T) {
	f := newFixture()

	w := f.send(http.MethodPost, "/treasury/credit", gin.H{
		"account": "treasury", "currency": "USDT", "chain": "tron",
		"amount": "1000", "reason": "initial liquidity", "reference": "fund-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, f.treasury.adjustments, 1)
	adj := f.treasury.adjustments[0]
	assert.Equal(t, f.accounts.Treasury, adj.UserID)
	assert.Equal(t, "ops@example.com", adj.Operator)
	assert.Equal(t, entities.ChainTron, adj.Chain)
	assert.True(t, adj.Amount.Equal(decimal.NewFromInt(1000)))
}

func TestDebitFees(t *testing.T) {
	f := newFixture()

	w := f.send(http.MethodPost, "/treasury/debit", gin.H{
		"account": "fees", "currency": "TRX", "amount": "5", "reason": "withdraw fees",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, f.accounts.Fees, f.treasury.adjustments[0].UserID)
}

func TestAdjustment_Rejected(t *testing.T) {
	f := newFixture()
	for _, body := range []gin.H{
		{"account": "users", "currency": "USDT", "amount": "1", "reason": "valid reason"},
		{"account": "treasury", "currency": "USDT", "amount": "0", "reason": "valid reason"},
		{"account": "treasury", "currency": "USDT", "amount": "1", "reason": "no"},
		{"account": "treasury", "currency": "USDT", "chain": "dogecoin", "amount": "1", "reason": "valid reason"},
	} {
		w := f.send(http.MethodPost, "/treasury/credit", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, f.treasury.adjustments)

	f.treasury.err = apperrors.InsufficientFundsError("w1", "5")
	w := f.send(http.MethodPost, "/treasury/debit", gin.H{
		"account": "treasury", "currency": "USDT", "amount": "5", "reason": "over-withdraw",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSweepQueue(t *testing.T) {
	f := newFixture()

	w := f.send(http.MethodGet, "/sweeps/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	id := uuid.New()
	w = f.send(http.MethodPost, "/sweeps/"+id.String()+"/requeue", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []uuid.UUID{id}, f.sweeps.requeued)

	w = f.send(http.MethodPost, "/sweeps/nope/requeue", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.sweeps.err = apperrors.ErrNotFound
	w = f.send(http.MethodPost, "/sweeps/"+uuid.NewString()+"/requeue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookQueue_Paging(t *testing.T) {
	f := newFixture()

	w := f.send(http.MethodGet, "/webhooks/failed?limit=10&offset=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, f.webhooks.limit)
	assert.Equal(t, 20, f.webhooks.offset)
	assert.Contains(t, w.Body.String(), `"items":[]`)

	f.send(http.MethodGet, "/webhooks/failed?limit=10000", nil)
	assert.Equal(t, 50, f.webhooks.limit)

	w = f.send(http.MethodPost, "/webhooks/"+uuid.NewString()+"/requeue", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}
