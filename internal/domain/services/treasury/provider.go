package treasury

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// RateProvider returns the market rate: units of `to` per one unit of `from`.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticRates serves rates from configuration. Keys are "FROM/TO"; the
// inverse pair is derived when only one direction is configured.
type StaticRates struct {
	rates map[string]decimal.Decimal
}

// NewStaticRates parses "FROM/TO" -> decimal string pairs.
func NewStaticRates(pairs map[string]string) (*StaticRates, error) {
	rates := make(map[string]decimal.Decimal, len(pairs))
	for pair, raw := range pairs {
		from, to, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("rate pair %q must be FROM/TO", pair)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be a positive decimal", pair)
		}
		rates[pairKey(from, to)] = rate
	}
	return &StaticRates{rates: rates}, nil
}

func (s *StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if entities.NormalizeCurrency(from) == entities.NormalizeCurrency(to) {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := s.rates[pairKey(from, to)]; ok {
		return rate, nil
	}
	if inverse, ok := s.rates[pairKey(to, from)]; ok {
		return decimal.NewFromInt(1).DivRound(inverse, 18), nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s/%s: %w", from, to, apperrors.ErrNotFound)
}

func pairKey(from, to string) string {
	return entities.NormalizeCurrency(from) + "/" + entities.NormalizeCurrency(to)
}

// HTTPRates queries a price endpoint: GET <url>?from=A&to=B -> {"rate": "2.0"}.
type HTTPRates struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

func NewHTTPRates(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPRates {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRates{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  log,
	}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (h *HTTPRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", entities.NormalizeCurrency(from))
	q.Set("to", entities.NormalizeCurrency(to))

	var resp rateResponse
	if err := failover.DoJSON(ctx, h.http, http.MethodGet, h.baseURL+"?"+q.Encode(), nil, nil, &resp); err != nil {
		if failover.IsStatus(err, http.StatusNotFound) {
			return decimal.Zero, fmt.Errorf("no rate for %s/%s: %w", from, to, apperrors.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("rate source: %w", errors.Join(apperrors.ErrUpstreamUnavailable, failover.Unwrap(err)))
	}
	if !resp.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate source returned %s for %s/%s", resp.Rate, from, to)
	}
	return resp.Rate, nil
}

// Cache is the subset of the redis cache the rate cache needs.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

// CachedRates memoizes another provider for ttl. Cache errors fall through
// to the source.
type CachedRates struct {
	source RateProvider
	cache  Cache
	ttl    time.Duration
	logger *logger.Logger
}

func NewCachedRates(source RateProvider, cache Cache, ttl time.Duration, log *logger.Logger) *CachedRates {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRates{source: source, cache: cache, ttl: ttl, logger: log}
}

func (c *CachedRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := "rate:" + pairKey(from, to)

	var cached rateResponse
	if err := c.cache.Get(ctx, key, &cached); err == nil && cached.Rate.IsPositive() {
		return cached.Rate, nil
	}

	rate, err := c.source.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.cache.Set(ctx, key, rateResponse{Rate: rate}, c.ttl); err != nil {
		c.logger.Warn("Failed to cache rate", "pair", key, "error", err)
	}
	return rate, nil
}

// FallbackRates asks each provider in order and returns the first answer.
type FallbackRates []RateProvider

func (f FallbackRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var errs []error
	for _, p := range f {
		rate, err := p.Rate(ctx, from, to)
		if err == nil {
			return rate, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("no rate providers configured: %w", apperrors.ErrNotFound)
	}
	return decimal.Zero, errors.Join(errs...)
}
