package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

type RedisConfig struct {
	Prefix    string
	OpTimeout time.Duration // per-call I/O bound (default: 2s)
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}
	return &RedisStore{
		client:    client,
		prefix:    config.Prefix,
		opTimeout: config.OpTimeout,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// bound caps every Redis round trip so a slow backend cannot hold a worker
// past the per-op budget.
func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		// Key does not exist – this is a clean miss.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: redis get failed: %v", ErrUnavailable, err)
	}
	return res, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set failed: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx failed: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	redisKey := s.key(key)
	total, err := s.client.IncrBy(ctx, redisKey, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis incrby failed: %v", ErrUnavailable, err)
	}
	// First write created the key; give it its window TTL. A lost EXPIRE
	// here leaves a counter behind until the next rollover, nothing worse.
	if total == delta && ttl > 0 {
		if err := s.client.Expire(ctx, redisKey, ttl).Err(); err != nil {
			return total, fmt.Errorf("%w: redis expire failed: %v", ErrUnavailable, err)
		}
	}
	return total, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis del failed: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
