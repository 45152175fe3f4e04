package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rail-service/settlement_core/internal/infrastructure/config"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache miss")

// RedisClient defines the interface for Redis operations
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
	Client() redis.UniversalClient
}

// redisClient implements RedisClient using go-redis
type redisClient struct {
	client redis.UniversalClient
	logger *logger.Logger
}

// NewRedisClient connects to a single node or a cluster depending on cfg.
func NewRedisClient(cfg *config.RedisConfig, log *logger.Logger) (RedisClient, error) {
	var rdb redis.UniversalClient
	if cfg.ClusterMode && len(cfg.ClusterAddrs) > 0 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:      cfg.ClusterAddrs,
			Password:   cfg.Password,
			MaxRetries: cfg.MaxRetries,
			PoolSize:   cfg.PoolSize,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:   cfg.Password,
			DB:         cfg.DB,
			MaxRetries: cfg.MaxRetries,
			PoolSize:   cfg.PoolSize,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Connected to Redis", "host", cfg.Host, "port", cfg.Port, "cluster", cfg.ClusterMode)
	return NewFromClient(rdb, log), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb redis.UniversalClient, log *logger.Logger) RedisClient {
	return &redisClient{client: rdb, logger: log}
}

// Set stores value as JSON with an expiration
func (r *redisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value by key and unmarshals it into dest
func (r *redisClient) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("key '%s': %w", key, ErrMiss)
	} else if err != nil {
		return fmt.Errorf("failed to get key '%s' from Redis: %w", key, err)
	}
	return json.Unmarshal(val, dest)
}

// Del deletes a key
func (r *redisClient) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks the connection to Redis
func (r *redisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *redisClient) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client for advanced operations
func (r *redisClient) Client() redis.UniversalClient {
	return r.client
}

// releaseScript deletes the lease only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a single-holder lock per task name, so only one replica runs a
// given periodic task at a time.
type Lease struct {
	client redis.UniversalClient
	prefix string
	logger *logger.Logger
}

func NewLease(client redis.UniversalClient, prefix string, log *logger.Logger) *Lease {
	if prefix == "" {
		prefix = "lease"
	}
	return &Lease{client: client, prefix: prefix, logger: log}
}

// Acquire takes the lease for ttl. ok is false when another holder owns it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + ":" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("Failed to release lease", "name", name, "error", err)
		}
	}
	return release, true, nil
}
