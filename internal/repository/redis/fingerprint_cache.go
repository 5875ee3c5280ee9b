// Package redis provides Redis-backed caches for the verification hot path.
// Cache failures degrade to recomputation, they never fail a request.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
)

// FingerprintCache caches collected fingerprints keyed by their stable
// signal hash. Implements the fingerprint provider's cache contract.
type FingerprintCache struct {
	client *redis.Client
	cb     *resilience.CircuitBreaker
	ttl    time.Duration
	log    *logger.Logger
}

// NewFingerprintCache creates a Redis fingerprint cache
func NewFingerprintCache(client *redis.Client, cb *resilience.CircuitBreaker, ttl time.Duration, log *logger.Logger) *FingerprintCache {
	return &FingerprintCache{
		client: client,
		cb:     cb,
		ttl:    ttl,
		log:    log.Named("fingerprint_cache"),
	}
}

// Get returns the cached fingerprint for the key, if any
func (c *FingerprintCache) Get(ctx context.Context, key string) (domain.Fingerprint, bool, error) {
	var zero domain.Fingerprint

	result, err := c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return nil, nil
			}
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return zero, false, fmt.Errorf("fingerprint cache get: %w", err)
	}
	if result == nil {
		return zero, false, nil
	}

	var fp domain.Fingerprint
	if err := json.Unmarshal(result.([]byte), &fp); err != nil {
		// Corrupted entry: drop it and miss
		c.log.Warn("dropping corrupted fingerprint cache entry",
			logger.Operation("get"),
			logger.ErrorField(err))
		_ = c.Remove(ctx, key)
		return zero, false, nil
	}
	return fp, true, nil
}

// Set stores the fingerprint with the cache TTL
func (c *FingerprintCache) Set(ctx context.Context, key string, value domain.Fingerprint) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("fingerprint cache encode: %w", err)
	}

	_, err = c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Set(ctx, key, data, c.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("fingerprint cache set: %w", err)
	}
	return nil
}

// Remove drops the key
func (c *FingerprintCache) Remove(ctx context.Context, key string) error {
	_, err := c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("fingerprint cache remove: %w", err)
	}
	return nil
}
