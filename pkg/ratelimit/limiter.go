package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rail-service/settlement_core/pkg/logger"
)

// TieredConfig defines per-tier sliding windows. A zero limit disables the tier.
type TieredConfig struct {
	GlobalLimit    int64
	GlobalWindow   time.Duration
	ClientLimit    int64
	ClientWindow   time.Duration
	EndpointLimits map[string]EndpointLimit
}

// EndpointLimit defines rate limit for a specific route.
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// TieredLimiter implements sliding-window limits in Redis sorted sets.
type TieredLimiter struct {
	redis  redis.UniversalClient
	config TieredConfig
	logger *logger.Logger
}

func NewTieredLimiter(rdb redis.UniversalClient, config TieredConfig, log *logger.Logger) *TieredLimiter {
	return &TieredLimiter{
		redis:  rdb,
		config: config,
		logger: log,
	}
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	LimitedBy  string
}

// Check evaluates the global, per-client and per-endpoint tiers in that order.
func (l *TieredLimiter) Check(ctx context.Context, client, endpoint string) (*CheckResult, error) {
	if l.config.GlobalLimit > 0 {
		allowed, remaining, err := l.checkLimit(ctx, "global", "global", l.config.GlobalLimit, l.config.GlobalWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Allowed: false, Remaining: remaining, RetryAfter: l.config.GlobalWindow, LimitedBy: "global"}, nil
		}
	}

	if l.config.ClientLimit > 0 && client != "" {
		allowed, remaining, err := l.checkLimit(ctx, "client", client, l.config.ClientLimit, l.config.ClientWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Allowed: false, Remaining: remaining, RetryAfter: l.config.ClientWindow, LimitedBy: "client"}, nil
		}
	}

	if endpointLimit, ok := l.config.EndpointLimits[endpoint]; ok {
		key := fmt.Sprintf("%s:%s", endpoint, client)
		allowed, remaining, err := l.checkLimit(ctx, "endpoint", key, endpointLimit.Limit, endpointLimit.Window)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Allowed: false, Remaining: remaining, RetryAfter: endpointLimit.Window, LimitedBy: "endpoint"}, nil
		}
	}

	return &CheckResult{Allowed: true, Remaining: -1}, nil
}

func (l *TieredLimiter) checkLimit(ctx context.Context, tier, key string, limit int64, window time.Duration) (bool, int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", tier, key)
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := l.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCount(ctx, redisKey, fmt.Sprintf("%d", windowStart.UnixNano()), "+inf")
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	if count >= limit {
		l.logger.Debug("Rate limit exceeded", "tier", tier, "key", key)
	}
	return count < limit, remaining, nil
}
