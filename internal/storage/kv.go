// Package storage abstracts the persistent key/value store the engine keeps
// its local state in. Browser targets back it with localStorage-equivalent
// storage, native targets with the OS keychain, and the service with Redis;
// tests use the in-memory implementation.
package storage

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound  = errors.New("key not found")
	ErrStoreDown = errors.New("key/value store unavailable")
)

// KeyValueStore is a minimal string store with an explicit lifecycle.
// Implementations must make SetNX atomic so concurrent create-if-absent
// callers cannot both win.
type KeyValueStore interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetNX sets the key only if it does not exist and reports whether
	// this call performed the write.
	SetNX(ctx context.Context, key, value string) (bool, error)
	Remove(ctx context.Context, key string) error
	Teardown(ctx context.Context) error
}
