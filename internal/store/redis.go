package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceTTL = 45 * time.Second

// RedisStore handles Redis operations for presence and rate limiting.
// Nothing durable lives here; the relay stays correct with Redis gone,
// it just loses reachability hints and per-wallet throttling.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying Redis client for middleware.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// presenceKey returns the key for a wallet's presence heartbeat.
func presenceKey(wallet string) string {
	return fmt.Sprintf("presence:%s", wallet)
}

// rateKey returns the key for a rate limit counter.
func rateKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}

// Heartbeat records that a wallet has a live channel right now. The key
// expires on its own when heartbeats stop.
func (s *RedisStore) Heartbeat(ctx context.Context, wallet string) error {
	return s.client.Set(ctx, presenceKey(wallet), "1", presenceTTL).Err()
}

// IsReachable reports whether a wallet has heartbeated recently. Used only
// as a delivery-policy input, never as a correctness signal.
func (s *RedisStore) IsReachable(ctx context.Context, wallet string) (bool, error) {
	exists, err := s.client.Exists(ctx, presenceKey(wallet)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// IncrRate increments a fixed-window rate counter and returns the count
// within the current window.
func (s *RedisStore) IncrRate(ctx context.Context, scope, subject string, window time.Duration) (int64, error) {
	key := rateKey(scope, subject)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
