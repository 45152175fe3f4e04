package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/infrastructure/repositories/memory"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/retry"
	sig "github.com/rail-service/settlement_core/pkg/webhook"
)

const secret = "whsec_test"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDeliverer(t *testing.T, store *memory.Store, clock clockwork.Clock, maxAttempts int) *Deliverer {
	t.Helper()
	d, err := NewDeliverer(store.WebhookQueue(), DeliveryConfig{
		Secret:    secret,
		BatchSize: 10,
		Timeout:   time.Second,
		Policy:    retry.Policy{BaseDelay: 30 * time.Second, Multiplier: 2, MaxRetries: maxAttempts},
	}, clock, logger.NewNop())
	require.NoError(t, err)
	return d
}

func TestEnqueue_OneRowPerEndpoint(t *testing.T) {
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(start)
	d := NewDispatcher(store.WebhookQueue(), []string{"https://a.example/hook", "https://b.example/hook"}, clock, logger.NewNop())

	require.NoError(t, d.Enqueue(context.Background(), entities.WebhookEventDepositConfirmed, map[string]string{"reference": "tx-1"}))

	pending, err := store.WebhookQueue().ListByStatus(context.Background(), entities.QueueStatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	urls := []string{pending[0].URL, pending[1].URL}
	assert.ElementsMatch(t, []string{"https://a.example/hook", "https://b.example/hook"}, urls)

	var env struct {
		Event entities.WebhookEvent `json:"event"`
		Data  map[string]string     `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &env))
	assert.Equal(t, entities.WebhookEventDepositConfirmed, env.Event)
	assert.Equal(t, "tx-1", env.Data["reference"])
}

func TestEnqueue_NoEndpointsIsNoop(t *testing.T) {
	store := memory.NewStore()
	d := NewDispatcher(store.WebhookQueue(), nil, nil, logger.NewNop())
	require.NoError(t, d.Enqueue(context.Background(), entities.WebhookEventSwapCompleted, nil))

	stats, err := store.WebhookQueue().Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestDeliverDue_SignsAndCompletes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		err := sig.VerifySignature(body, r.Header.Get(sig.HeaderSignature), secret, r.Header.Get(sig.HeaderTimestamp), 0, start)
		verified.Store(err == nil)
		assert.Equal(t, string(entities.WebhookEventSweepCompleted), r.Header.Get(sig.HeaderEvent))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, NewDispatcher(store.WebhookQueue(), []string{srv.URL}, clock, logger.NewNop()).
		Enqueue(ctx, entities.WebhookEventSweepCompleted, map[string]string{"tx": "0xabc"}))

	n, err := newDeliverer(t, store, clock, 3).DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, verified.Load(), "receiver must be able to verify the signature")

	done, err := store.WebhookQueue().ListByStatus(ctx, entities.QueueStatusCompleted, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].LastStatusCode)
	assert.Equal(t, http.StatusNoContent, *done[0].LastStatusCode)
}

func TestDeliverDue_BacksOffThenFails(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, NewDispatcher(store.WebhookQueue(), []string{srv.URL}, clock, logger.NewNop()).
		Enqueue(ctx, entities.WebhookEventDepositRejected, nil))
	d := newDeliverer(t, store, clock, 2)

	_, err := d.DeliverDue(ctx)
	require.NoError(t, err)

	pending, err := store.WebhookQueue().ListByStatus(ctx, entities.QueueStatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, start.Add(30*time.Second), pending[0].NextRetryAt)
	require.NotNil(t, pending[0].LastStatusCode)
	assert.Equal(t, http.StatusBadGateway, *pending[0].LastStatusCode)

	// Not yet due.
	_, err = d.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	clock.Advance(30 * time.Second)
	_, err = d.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	failed, err := store.WebhookQueue().ListByStatus(ctx, entities.QueueStatusFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
}
