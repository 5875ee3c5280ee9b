package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blazewallet/device-trust/internal/resilience"
)

// RedisStore is a Redis-backed KeyValueStore used in service mode.
// Keys are namespaced so multiple installations can share one instance.
type RedisStore struct {
	client *redis.Client
	cb     *resilience.CircuitBreaker
	prefix string
}

// NewRedisStore creates a Redis-backed store with the given key namespace.
func NewRedisStore(client *redis.Client, cb *resilience.CircuitBreaker, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		cb:     cb,
		prefix: prefix,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Init verifies connectivity.
func (s *RedisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreDown, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	result, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		value, err := s.client.Get(ctx, s.key(key)).Result()
		// A miss is a valid answer; it must not count against the breaker
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return value, err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", ErrStoreDown
		}
		return "", err
	}
	value, ok := result.(string)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores the value under key with no expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Set(ctx, s.key(key), value, 0).Err()
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return ErrStoreDown
	}
	return err
}

// SetNX atomically stores the value only if the key is absent.
func (s *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	result, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.SetNX(ctx, s.key(key), value, 0).Result()
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false, ErrStoreDown
		}
		return false, err
	}
	return result.(bool), nil
}

// Remove deletes the key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	_, err := s.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Del(ctx, s.key(key)).Err()
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return ErrStoreDown
	}
	return err
}

// Teardown is a no-op; the Redis client lifecycle belongs to the caller.
func (s *RedisStore) Teardown(ctx context.Context) error {
	return nil
}
