package failover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("upstream unavailable")

func testConfig(urls ...string) Config {
	cfg := Config{
		RequestsPerSecond: 1000,
		Burst:             1000,
		CallTimeout:       time.Second,
		MaxRetries:        1,
		RetryInterval:     time.Millisecond,
		BreakerFailures:   100,
		BreakerTimeout:    time.Second,
	}
	for _, u := range urls {
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{URL: u})
	}
	return cfg
}

func TestPool_RotatesToHealthyProvider(t *testing.T) {
	var badHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"height": 42}`))
	}))
	defer good.Close()

	pool, err := NewPool("test", testConfig(bad.URL, good.URL), nil, WithExhaustedError(errUnavailable))
	require.NoError(t, err)

	var out struct {
		Height int64 `json:"height"`
	}
	err = pool.Do(context.Background(), func(ctx context.Context, ep Endpoint) error {
		return DoJSON(ctx, http.DefaultClient, http.MethodGet, ep.URL, nil, nil, &out)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out.Height)
	assert.Equal(t, good.URL, pool.Current().URL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&badHits), "one call plus one retry before rotating")

	// The rotated provider stays current for the next call.
	atomic.StoreInt32(&badHits, 0)
	err = pool.Do(context.Background(), func(ctx context.Context, ep Endpoint) error {
		return DoJSON(ctx, http.DefaultClient, http.MethodGet, ep.URL, nil, nil, &out)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&badHits))
}

func TestPool_AllProvidersFail(t *testing.T) {
	pool, err := NewPool("test", testConfig("a", "b"), nil, WithExhaustedError(errUnavailable))
	require.NoError(t, err)

	var calls int32
	err = pool.Do(context.Background(), func(ctx context.Context, ep Endpoint) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestPool_PermanentErrorDoesNotRotate(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	pool, err := NewPool("test", testConfig(notFound.URL, "http://unused"), nil)
	require.NoError(t, err)

	err = pool.Do(context.Background(), func(ctx context.Context, ep Endpoint) error {
		return DoJSON(ctx, http.DefaultClient, http.MethodGet, ep.URL, nil, nil, nil)
	})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.False(t, IsPermanent(err), "marker is stripped for callers")
	assert.Equal(t, notFound.URL, pool.Current().URL)
}

func TestNewPool_RequiresEndpoints(t *testing.T) {
	_, err := NewPool("empty", Config{}, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestPermanentHelpers(t *testing.T) {
	base := errors.New("bad address")
	wrapped := Permanent(base)
	assert.True(t, IsPermanent(wrapped))
	assert.Equal(t, base, Unwrap(wrapped))
	assert.Nil(t, Permanent(nil))
}
