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

// RateLimiter implements sliding window rate limiting using Redis sorted
// sets. The API guards the login endpoints with it, keyed by client IP.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()

	// drop entries outside the window
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := r.config.Limit - currentCount

	if currentCount+n > r.config.Limit {
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

	add := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		add.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()) + float64(i),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	add.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := add.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}

// Limit returns the configured request limit.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}
