package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
)

// DeviceListCache caches a user's verified-device candidate list in front
// of PostgreSQL. Entries are short-lived and invalidated on any device
// mutation, so verification reads stay cheap without serving stale trust
// decisions for long.
type DeviceListCache struct {
	client *redis.Client
	cb     *resilience.CircuitBreaker
	ttl    time.Duration
	log    *logger.Logger
}

// NewDeviceListCache creates a device list cache
func NewDeviceListCache(client *redis.Client, cb *resilience.CircuitBreaker, ttl time.Duration, log *logger.Logger) *DeviceListCache {
	return &DeviceListCache{
		client: client,
		cb:     cb,
		ttl:    ttl,
		log:    log.Named("device_list_cache"),
	}
}

func (c *DeviceListCache) key(userID uuid.UUID) string {
	return "devices:" + userID.String()
}

// cachedDevice carries the fields the record's JSON view hides. The match
// layers need fingerprints; Redis is private and the values are already
// protected in the primary store.
type cachedDevice struct {
	Record                *domain.TrustedDeviceRecord `json:"record"`
	Fingerprint           string                      `json:"fingerprint"`
	IPAddress             string                      `json:"ip_address,omitempty"`
	SessionToken          string                      `json:"session_token,omitempty"`
	LastVerifiedSessionAt *time.Time                  `json:"last_verified_session_at,omitempty"`
}

func toCached(records []*domain.TrustedDeviceRecord) []cachedDevice {
	cached := make([]cachedDevice, 0, len(records))
	for _, r := range records {
		cached = append(cached, cachedDevice{
			Record:                r,
			Fingerprint:           r.Fingerprint,
			IPAddress:             r.IPAddress,
			SessionToken:          r.SessionToken,
			LastVerifiedSessionAt: r.LastVerifiedSessionAt,
		})
	}
	return cached
}

func fromCached(cached []cachedDevice) []*domain.TrustedDeviceRecord {
	records := make([]*domain.TrustedDeviceRecord, 0, len(cached))
	for _, c := range cached {
		r := c.Record
		r.Fingerprint = c.Fingerprint
		r.IPAddress = c.IPAddress
		r.SessionToken = c.SessionToken
		r.LastVerifiedSessionAt = c.LastVerifiedSessionAt
		records = append(records, r)
	}
	return records
}

// Get returns the cached candidate list for a user, if any
func (c *DeviceListCache) Get(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, bool, error) {
	result, err := c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		data, err := c.client.Get(ctx, c.key(userID)).Bytes()
		if err != nil {
			if err == redis.Nil {
				return nil, nil
			}
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("device list cache get: %w", err)
	}
	if result == nil {
		return nil, false, nil
	}

	var cached []cachedDevice
	if err := json.Unmarshal(result.([]byte), &cached); err != nil {
		c.log.Warn("dropping corrupted device list cache entry",
			logger.Operation("get"),
			logger.UserID(userID.String()),
			logger.ErrorField(err))
		_ = c.Invalidate(ctx, userID)
		return nil, false, nil
	}
	return fromCached(cached), true, nil
}

// Set stores the candidate list with the cache TTL
func (c *DeviceListCache) Set(ctx context.Context, userID uuid.UUID, records []*domain.TrustedDeviceRecord) error {
	data, err := json.Marshal(toCached(records))
	if err != nil {
		return fmt.Errorf("device list cache encode: %w", err)
	}

	_, err = c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Set(ctx, c.key(userID), data, c.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("device list cache set: %w", err)
	}
	return nil
}

// Invalidate drops the user's cached list. Call after any device mutation.
func (c *DeviceListCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	_, err := c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.client.Del(ctx, c.key(userID)).Err()
	})
	if err != nil {
		return fmt.Errorf("device list cache invalidate: %w", err)
	}
	return nil
}
