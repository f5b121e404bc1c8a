package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements SharedBackend with a sorted-set sliding window.
//
// Keys are namespaced by the config signature ("<limit>-<windowMs>") so that
// the same identifier checked under different scopes counts independently,
// the shared equivalent of keeping one limiter instance per configuration.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a RedisBackend. prefix defaults to "ratelimit".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// key builds the storage key for one (config, identifier) pair.
func (b *RedisBackend) key(identifier string, cfg Config) string {
	return fmt.Sprintf("%s:%d-%d:%s", b.prefix, cfg.Limit, cfg.Window.Milliseconds(), identifier)
}

// Allow records the request in the trailing window and reports admission.
//
// Algorithm: drop set members older than the window, add the current
// request, count survivors. A request over the limit still leaves its
// member in the set, so sustained flooding keeps the window saturated.
// Expiry is refreshed on every call so idle keys vanish on their own.
func (b *RedisBackend) Allow(ctx context.Context, identifier string, cfg Config) (Result, error) {
	now := time.Now()
	key := b.key(identifier, cfg)
	windowStart := now.Add(-cfg.Window)

	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, cfg.Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis sliding window: %w", err)
	}

	count := int(countCmd.Val())

	// The window resets when the oldest surviving entry ages out.
	resetAt := now.Add(cfg.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(cfg.Window)
	}

	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= cfg.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
