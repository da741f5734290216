package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed
	Window time.Duration // Sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
// The API uses the configured default; the dispatcher throttle passes a
// per-preference limit through AllowWithin.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	prefix string
}

// NewRateLimiter creates a new rate limiter with the given default configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		prefix: "cannaai:ratelimit:",
	}
}

// Allow checks one event against the default limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks n events against the default limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	return r.allow(ctx, key, n, r.config.Limit, r.config.Window)
}

// AllowWithin checks one event against an explicit limit and window.
func (r *RateLimiter) AllowWithin(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := r.allow(ctx, key, 1, limit, window)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (r *RateLimiter) allow(ctx context.Context, key string, n, limit int, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	resetAt := now.Add(window)
	redisKey := r.prefix + key

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := limit - current

	if current+n > limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     limit,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe = r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		score := float64(now.UnixNano() + int64(i))
		member := fmt.Sprintf("%d-%d", now.UnixNano(), i)
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	}
	pipe.Expire(ctx, redisKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
