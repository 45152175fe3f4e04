package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Provider resolves named secrets such as treasury signing keys.
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return value, nil
}

// CachedProvider memoises another provider for ttl.
type CachedProvider struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewCachedProvider(provider Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedSecret),
	}
}

func (p *CachedProvider) GetSecret(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := p.provider.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache[key] = cachedSecret{value: value, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return value, nil
}

// Invalidate drops key from the cache.
func (p *CachedProvider) Invalidate(key string) {
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
}

// Config selects the secret backend.
type Config struct {
	Provider string // "env" or "aws"
	Region   string
	Prefix   string
	CacheTTL time.Duration
}

// NewProvider builds the configured backend wrapped in a cache.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	switch cfg.Provider {
	case "", "env":
		return NewCachedProvider(NewEnvProvider(), ttl), nil
	case "aws":
		aws, err := NewAWSSecretsManagerProvider(ctx, cfg.Region, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return NewCachedProvider(aws, ttl), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}
