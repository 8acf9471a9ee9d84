package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
// Uses a sliding window backed by a Redis sorted set per key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := r.config.Limit - currentCount

	if currentCount >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe2 := r.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe2.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - 1,
		ResetAt:   resetAt,
	}, nil
}
