package identity

import (
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
	"github.com/blazewallet/device-trust/internal/storage"
)

const redisPrefix = "v1:identity:user:"

// RedisFactory hands out per-user identity stores backed by the shared
// Redis instance. In service mode the engine keeps a server-side mirror of
// each user's device identity; one Store spans exactly one user, scoped by
// key prefix.
type RedisFactory struct {
	client *redis.Client
	cb     *resilience.CircuitBreaker
	log    *logger.Logger
	opts   []Option
}

// NewRedisFactory creates a factory over the shared Redis client.
func NewRedisFactory(client *redis.Client, cb *resilience.CircuitBreaker, log *logger.Logger, opts ...Option) *RedisFactory {
	return &RedisFactory{
		client: client,
		cb:     cb,
		log:    log,
		opts:   opts,
	}
}

// ForUser returns the identity store scoped to one user.
func (f *RedisFactory) ForUser(userID uuid.UUID) *Store {
	kv := storage.NewRedisStore(f.client, f.cb, redisPrefix+userID.String())
	return NewStore(kv, f.log, f.opts...)
}
