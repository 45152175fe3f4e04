package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rail-service/settlement_core/pkg/logger"
)

// ErrNoEndpoints is returned when a pool is built without endpoints.
var ErrNoEndpoints = errors.New("failover: no endpoints configured")

// Endpoint is one equivalent upstream provider.
type Endpoint struct {
	Name   string
	URL    string
	APIKey string
}

// Config tunes a provider pool.
type Config struct {
	Endpoints         []Endpoint
	RequestsPerSecond float64
	Burst             int
	// CallTimeout bounds a single upstream call.
	CallTimeout time.Duration
	// MaxRetries is the number of retries against one endpoint before rotating.
	MaxRetries      uint64
	RetryInterval   time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns sane defaults for public chain APIs.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             5,
		CallTimeout:       15 * time.Second,
		MaxRetries:        2,
		RetryInterval:     500 * time.Millisecond,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
}

type member struct {
	endpoint Endpoint
	breaker  *gobreaker.CircuitBreaker
}

// Pool holds an ordered set of equivalent providers and the index of the one
// currently in use. The index only moves when the current provider fails.
type Pool struct {
	name      string
	cfg       Config
	members   []*member
	limiter   *rate.Limiter
	logger    *logger.Logger
	exhausted error

	mu      sync.RWMutex
	current int
}

// Option configures a Pool.
type Option func(*Pool)

// WithExhaustedError sets the error wrapped when every provider has failed.
func WithExhaustedError(err error) Option {
	return func(p *Pool) { p.exhausted = err }
}

// NewPool builds a pool. Each endpoint gets its own circuit breaker; the rate
// limiter is shared because providers usually sit behind one API quota.
func NewPool(name string, cfg Config, log *logger.Logger, opts ...Option) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoEndpoints)
	}
	defaults := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}

	p := &Pool{
		name:      name,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:    log,
		exhausted: errors.New("all upstream providers failed"),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, ep := range cfg.Endpoints {
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("%s-%d", name, i)
		}
		p.members = append(p.members, &member{
			endpoint: ep,
			breaker:  gobreaker.NewCircuitBreaker(p.breakerSettings(ep.Name)),
		})
	}
	return p, nil
}

func (p *Pool) breakerSettings(endpointName string) gobreaker.Settings {
	threshold := p.cfg.BreakerFailures
	return gobreaker.Settings{
		Name:        endpointName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     p.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("Provider circuit breaker state changed",
				"pool", p.name,
				"provider", name,
				"from", from.String(),
				"to", to.String())
		},
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Current returns the provider currently in use.
func (p *Pool) Current() Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.members[p.current].endpoint
}

// Len returns the number of providers.
func (p *Pool) Len() int {
	return len(p.members)
}

// rotate moves past failed index unless another caller already rotated.
func (p *Pool) rotate(failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != failed {
		return
	}
	p.current = (failed + 1) % len(p.members)
	p.logger.Warn("Rotated to alternate provider",
		"pool", p.name,
		"from", p.members[failed].endpoint.Name,
		"to", p.members[p.current].endpoint.Name)
}

// Do runs call against the current provider, retrying it with exponential
// backoff and rotating through the remaining providers on failure. Permanent
// errors return immediately without rotation.
func (p *Pool) Do(ctx context.Context, call func(ctx context.Context, ep Endpoint) error) error {
	p.mu.RLock()
	start := p.current
	p.mu.RUnlock()

	var lastErr error
	for i := 0; i < len(p.members); i++ {
		idx := (start + i) % len(p.members)
		m := p.members[idx]

		err := p.attempt(ctx, m, call)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return Unwrap(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		p.logger.Warn("Provider call failed",
			"pool", p.name,
			"provider", m.endpoint.Name,
			"error", err)
		p.rotate(idx)
	}
	return fmt.Errorf("%s: %w: %v", p.name, p.exhausted, lastErr)
}

func (p *Pool) attempt(ctx context.Context, m *member, call func(ctx context.Context, ep Endpoint) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.RetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, p.cfg.MaxRetries), ctx)

	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		_, err := m.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			return nil, call(callCtx, m.endpoint)
		})
		if err == nil {
			return nil
		}
		if IsPermanent(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, policy)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that another provider would not fix
// (bad input, unknown transaction). It is returned to the caller as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Unwrap strips the Permanent marker.
func Unwrap(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}
