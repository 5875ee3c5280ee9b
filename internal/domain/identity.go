package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeviceIdentity is the locally persisted identity of one installation.
// Generated once, persisted for the life of the installation, and never
// regenerated while valid; rotation is an explicit security action.
type DeviceIdentity struct {
	DeviceID    uuid.UUID `json:"device_id"`
	DeviceLabel string    `json:"device_label,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDeviceIdentity creates a fresh identity with a random UUIDv4.
func NewDeviceIdentity(label string, now time.Time) DeviceIdentity {
	return DeviceIdentity{
		DeviceID:    uuid.New(),
		DeviceLabel: label,
		CreatedAt:   now.UTC(),
	}
}
