// Package session manages verification leases: short-lived tokens that let
// an already-verified device skip the full layered check for a grace window.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// Common errors
var (
	ErrLeaseNotFound = errors.New("session lease not found")
	// ErrLeaseExpired means the lease exists but its window has passed.
	// An expired lease cannot be extended; the device must re-verify.
	ErrLeaseExpired = errors.New("session lease expired")
)

// Store persists session leases. Implemented by the postgres repository.
type Store interface {
	CreateSession(ctx context.Context, lease domain.SessionLease) error
	ValidateSession(ctx context.Context, userID uuid.UUID, token string) (*domain.SessionLease, error)
	ExtendSession(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error
	RevokeSession(ctx context.Context, userID uuid.UUID, token string) error
}

// Manager issues and validates session leases with a fixed grace window
type Manager struct {
	store Store
	now   func() time.Time
	token func() (string, error)
	log   *logger.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenSource overrides the random token source
func WithTokenSource(token func() (string, error)) Option {
	return func(m *Manager) { m.token = token }
}

// NewManager creates a session lease manager
func NewManager(store Store, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		now:   time.Now,
		token: newToken,
		log:   log.Named("session_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a fresh lease for the device and returns its token
func (m *Manager) Issue(ctx context.Context, userID, deviceRecordID uuid.UUID) (string, error) {
	token, err := m.token()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	now := m.now()
	lease := domain.SessionLease{
		Token:          token,
		UserID:         userID,
		DeviceRecordID: deviceRecordID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(domain.SessionGraceWindow),
	}
	if err := m.store.CreateSession(ctx, lease); err != nil {
		return "", fmt.Errorf("persisting session lease: %w", err)
	}

	m.log.Info("session lease issued",
		logger.Operation("issue"),
		logger.UserID(userID.String()),
		logger.DeviceID(deviceRecordID.String()))
	return token, nil
}

// Validate reports whether the token names a live lease for the user, and
// how many whole seconds remain. A missing or expired lease is not an
// error: it returns (false, 0, nil).
func (m *Manager) Validate(ctx context.Context, userID uuid.UUID, token string) (bool, int, error) {
	if token == "" {
		return false, 0, nil
	}

	lease, err := m.store.ValidateSession(ctx, userID, token)
	if err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("looking up session lease: %w", err)
	}

	now := m.now()
	if !lease.Valid(now) {
		return false, 0, nil
	}
	return true, lease.SecondsRemaining(now), nil
}

// Extend resets the lease window from now. The window never stacks: a lease
// extended at minute 59 gets 60 minutes, not 119. Extending a missing or
// already-expired lease fails; the device must go through verification again.
func (m *Manager) Extend(ctx context.Context, userID uuid.UUID, token string) error {
	lease, err := m.store.ValidateSession(ctx, userID, token)
	if err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return ErrLeaseNotFound
		}
		return fmt.Errorf("looking up session lease: %w", err)
	}

	now := m.now()
	if !lease.Valid(now) {
		return ErrLeaseExpired
	}

	if err := m.store.ExtendSession(ctx, userID, token, now.Add(domain.SessionGraceWindow)); err != nil {
		return fmt.Errorf("extending session lease: %w", err)
	}

	m.log.Info("session lease extended",
		logger.Operation("extend"),
		logger.UserID(userID.String()),
		logger.DeviceID(lease.DeviceRecordID.String()))
	return nil
}

// Revoke invalidates the lease. Revoking an unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, userID uuid.UUID, token string) error {
	if err := m.store.RevokeSession(ctx, userID, token); err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return nil
		}
		return fmt.Errorf("revoking session lease: %w", err)
	}

	m.log.Info("session lease revoked",
		logger.Operation("revoke"),
		logger.UserID(userID.String()))
	return nil
}

// newToken returns 32 random bytes hex-encoded
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
