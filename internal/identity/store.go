// Package identity manages the persistent device identity: a UUID v4 that
// survives restarts and identifies an installation across sessions. The
// identity lives in a KeyValueStore under a fixed key; anything stored
// there that is not a valid UUID v4 is treated as tampering and replaced.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/storage"
)

// EventPublisher publishes security events.
type EventPublisher interface {
	Publish(ctx context.Context, event *security.Event) error
}

const identityKey = "device_identity"

// Common errors
var (
	ErrInvalidIdentityFormat = errors.New("stored identity is not a valid uuid v4")
	ErrNoIdentity            = errors.New("no device identity present")
)

// Store persists and validates the device identity.
type Store struct {
	kv         storage.KeyValueStore
	labeler    func() string
	events     EventPublisher
	hmacSecret []byte
	now        func() time.Time
	log        *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLabeler overrides how the device label is derived
func WithLabeler(fn func() string) Option {
	return func(s *Store) { s.labeler = fn }
}

// WithRotationEvents publishes an identity_rotated security event on every
// successful Rotate. Publish failures are logged; the rotation stands.
func WithRotationEvents(events EventPublisher, hmacSecret []byte) Option {
	return func(s *Store) {
		s.events = events
		s.hmacSecret = hmacSecret
	}
}

// NewStore creates an identity store backed by the given key-value store
func NewStore(kv storage.KeyValueStore, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		labeler: func() string { return "Unknown Device" },
		now:     time.Now,
		log:     log.Named("identity_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the stored identity, creating and persisting a fresh
// one when none exists or the stored value fails validation. A corrupted
// value is never returned to callers; it is replaced in place. The bool
// reports whether this call minted the identity.
func (s *Store) GetOrCreate(ctx context.Context) (domain.DeviceIdentity, bool, error) {
	ident, err := s.Get(ctx)
	if err == nil {
		return ident, false, nil
	}
	if !errors.Is(err, ErrNoIdentity) && !errors.Is(err, ErrInvalidIdentityFormat) {
		return domain.DeviceIdentity{}, false, err
	}

	corrupted := errors.Is(err, ErrInvalidIdentityFormat)
	if corrupted {
		s.log.Warn("stored device identity failed validation, regenerating",
			logger.Operation("get_or_create"))
		// SetNX below would lose to the corrupted value
		if err := s.kv.Remove(ctx, identityKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return domain.DeviceIdentity{}, false, fmt.Errorf("discard corrupted identity: %w", err)
		}
	}

	fresh := domain.NewDeviceIdentity(s.labeler(), s.now())

	// SetNX so a concurrent caller that persisted first wins. On conflict
	// re-read and return the winner.
	created, err := s.setNX(ctx, fresh)
	if err != nil {
		return domain.DeviceIdentity{}, false, err
	}
	if !created {
		winner, err := s.Get(ctx)
		return winner, false, err
	}

	s.log.Info("created device identity",
		logger.Operation("get_or_create"),
		logger.DeviceID(fresh.DeviceID.String()))
	return fresh, true, nil
}

// Get returns the stored identity. ErrNoIdentity when absent,
// ErrInvalidIdentityFormat when the stored value is corrupted.
func (s *Store) Get(ctx context.Context) (domain.DeviceIdentity, error) {
	raw, err := s.kv.Get(ctx, identityKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.DeviceIdentity{}, ErrNoIdentity
		}
		return domain.DeviceIdentity{}, fmt.Errorf("read device identity: %w", err)
	}

	ident, err := decode(raw)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	return ident, nil
}

// Set persists an externally supplied identity, validating it first. Used
// when a client restores an identity it already holds.
func (s *Store) Set(ctx context.Context, ident domain.DeviceIdentity) error {
	if err := validate(ident); err != nil {
		return err
	}

	raw, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("encode device identity: %w", err)
	}
	if err := s.kv.Set(ctx, identityKey, string(raw)); err != nil {
		return fmt.Errorf("persist device identity: %w", err)
	}
	return nil
}

// Rotate discards the current identity and persists a fresh one, returning
// the old identity when one existed. With WithRotationEvents wired, an
// identity_rotated security event is published.
func (s *Store) Rotate(ctx context.Context) (old *domain.DeviceIdentity, fresh domain.DeviceIdentity, err error) {
	current, getErr := s.Get(ctx)
	if getErr == nil {
		old = &current
	}

	fresh = domain.NewDeviceIdentity(s.labeler(), s.now())
	if err = s.Set(ctx, fresh); err != nil {
		return nil, domain.DeviceIdentity{}, err
	}

	s.log.Info("rotated device identity",
		logger.Operation("rotate"),
		logger.DeviceID(fresh.DeviceID.String()))
	s.publishRotated(ctx, old, fresh)
	return old, fresh, nil
}

func (s *Store) publishRotated(ctx context.Context, old *domain.DeviceIdentity, fresh domain.DeviceIdentity) {
	if s.events == nil {
		return
	}

	builder := security.NewEvent(security.EventIdentityRotated, s.hmacSecret).
		DeviceID(fresh.DeviceID.String()).
		Detail("device_label", fresh.DeviceLabel)
	if old != nil {
		builder.Detail("previous_device_id", old.DeviceID.String())
	}

	event, err := builder.Build()
	if err != nil {
		s.log.Error("failed to build identity rotation event",
			logger.Operation("rotate"),
			logger.ErrorField(err))
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish identity rotation event",
			logger.Operation("rotate"),
			logger.ErrorField(err))
	}
}

// Clear removes the stored identity
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, identityKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("clear device identity: %w", err)
	}
	return nil
}

func (s *Store) setNX(ctx context.Context, ident domain.DeviceIdentity) (bool, error) {
	raw, err := json.Marshal(ident)
	if err != nil {
		return false, fmt.Errorf("encode device identity: %w", err)
	}
	created, err := s.kv.SetNX(ctx, identityKey, string(raw))
	if err != nil {
		return false, fmt.Errorf("persist device identity: %w", err)
	}
	return created, nil
}

func decode(raw string) (domain.DeviceIdentity, error) {
	var ident domain.DeviceIdentity
	if err := json.Unmarshal([]byte(raw), &ident); err != nil {
		return domain.DeviceIdentity{}, ErrInvalidIdentityFormat
	}
	if err := validate(ident); err != nil {
		return domain.DeviceIdentity{}, err
	}
	return ident, nil
}

func validate(ident domain.DeviceIdentity) error {
	if ident.DeviceID == uuid.Nil || ident.DeviceID.Version() != 4 {
		return ErrInvalidIdentityFormat
	}
	return nil
}
