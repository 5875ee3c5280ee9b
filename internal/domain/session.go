package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionGraceWindow bounds how long an "already verified" lease is honored
// after the last successful verification. Extension resets the window; it
// never stacks on top of the previous expiry.
const SessionGraceWindow = 60 * time.Minute

// SessionLease asserts that a device was verified for a user recently
// enough to skip full re-verification.
type SessionLease struct {
	Token          string    `json:"-"`
	UserID         uuid.UUID `json:"user_id"`
	DeviceRecordID uuid.UUID `json:"device_record_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SecondsRemaining returns whole seconds until expiry, clamped at zero.
func (l *SessionLease) SecondsRemaining(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// Valid reports whether the lease still has time remaining.
func (l *SessionLease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
