// Package dedupe is a Redis-backed filter for at-least-once delivery: a
// handle_message or handle_batch callback calls Seen to ask whether a
// message ID has already been processed within a bounded window, and records
// it if not, in a single atomic round trip. It is grounded on the teacher's
// pkg/cache.RedisCache, reusing its connection and TTL conventions but
// replacing the cache's get/fallback/write flow with Redis's SETNX idiom.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the Redis connection and dedup window.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Window is how long a message ID is remembered before it can be seen again.
	Window time.Duration
}

// Filter tracks which message IDs have already been handled, backed by Redis.
type Filter struct {
	client *redis.Client
	prefix string
	window time.Duration
	logger zerolog.Logger
}

// New connects to Redis and returns a Filter that namespaces its keys under
// keyPrefix, pinging the server the way the teacher's NewRedisCache does to
// fail fast on a bad connection.
func New(ctx context.Context, cfg Config, keyPrefix string, logger zerolog.Logger) (*Filter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedupe: connecting to redis: %w", err)
	}
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	logger.Info().Str("redis_address", cfg.Addr).Dur("window", window).Msg("dedupe: connected to redis")
	return &Filter{client: client, prefix: keyPrefix, window: window, logger: logger.With().Str("component", "dedupe.Filter").Logger()}, nil
}

// Seen reports whether id has already been recorded within the window, and
// if not, atomically records it so a concurrent caller sees true. It relies
// on Redis SETNX for the check-and-record to happen as a single round trip,
// avoiding a race between a separate existence check and write.
func (f *Filter) Seen(ctx context.Context, id string) (bool, error) {
	key := f.prefix + ":" + id
	ok, err := f.client.SetNX(ctx, key, 1, f.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: setnx %s: %w", key, err)
	}
	// SetNX reports true when it set the key, i.e. the id was not seen before.
	return !ok, nil
}

// Close closes the underlying Redis client.
func (f *Filter) Close() error {
	return f.client.Close()
}
