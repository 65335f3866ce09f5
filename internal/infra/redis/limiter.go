// internal/infra/redis/limiter.go
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the Redis-backed action limiter, for deployments where the
// debounce should survive a process restart. SET NX with a TTL is the whole
// mechanism: the first attempt in a window claims the key, everyone else in
// the window sees it taken.
type Limiter struct {
	client    *redis.Client
	intervals map[string]time.Duration
	logger    *slog.Logger
}

// NewLimiter creates a limiter on an existing Redis client.
func NewLimiter(client *redis.Client, intervals map[string]time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		client:    client,
		intervals: intervals,
		logger:    logger.With("component", "redis-limiter"),
	}
}

// NewClient dials Redis with a short liveness check.
func NewClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// Allow reports whether the action may proceed. Redis errors fail open: the
// debounce is a UX concern and must never block dispatch.
func (l *Limiter) Allow(userID, action string) bool {
	interval, ok := l.intervals[action]
	if !ok || interval <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := "ratelimit:" + userID + ":" + action
	claimed, err := l.client.SetNX(ctx, key, 1, interval).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing action", "key", key, "error", err)
		return true
	}
	return claimed
}
