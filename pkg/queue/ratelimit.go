package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-user message counter.
// INCR and EXPIRE NX run in one MULTI, so the window starts at the user's
// first message and a counter can't be left without a TTL.
type RateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRateLimiter allows limit messages per user per window. A limit <= 0
// disables limiting.
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

// Allow counts one message for userID and reports whether it is within the limit.
func (r *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	key := r.prefix + "ratelimit:" + userID

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("counting message for %s: %w", userID, err)
	}
	return incr.Val() <= r.limit, nil
}
