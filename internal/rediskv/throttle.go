package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThrottleConfig defines the outbound throughput limit.
type ThrottleConfig struct {
	Limit  int           // Maximum sends allowed
	Window time.Duration // Time window for the limit
}

// ThrottleResult contains the result of a throughput check.
type ThrottleResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Throttle implements sliding-window outbound throughput limiting with
// Redis sorted sets. The channel penalizes bursty automated traffic, so
// the dispatch engine consults this before every send on top of its
// fixed inter-dispatch pacing.
type Throttle struct {
	client *Client
	logger *zap.Logger
	config ThrottleConfig
}

// NewThrottle creates a throughput limiter with the given configuration.
func NewThrottle(client *Client, logger *zap.Logger, config ThrottleConfig) *Throttle {
	return &Throttle{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks whether one more send fits inside the window and, if so,
// records it.
func (t *Throttle) Allow(ctx context.Context) (*ThrottleResult, error) {
	now := time.Now()
	windowStart := now.Add(-t.config.Window)
	resetAt := now.Add(t.config.Window)

	redisKey := "throttle:outbound"

	pipe := t.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := t.config.Limit - currentCount

	if currentCount+1 > t.config.Limit {
		t.logger.Debug("outbound throughput limit reached",
			zap.Int("current", currentCount),
			zap.Int("limit", t.config.Limit),
		)
		return &ThrottleResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe2 := t.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe2.Expire(ctx, redisKey, t.config.Window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &ThrottleResult{
		Allowed:   true,
		Remaining: remaining - 1,
		ResetAt:   resetAt,
	}, nil
}
