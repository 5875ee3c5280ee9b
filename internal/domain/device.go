package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDeviceRecord is a device previously seen for a user.
// The record exists as soon as a device first registers; it is trusted
// only after an explicit strong-authentication step sets VerifiedAt.
// Raw fingerprints are kept because fuzzy matching needs them; IP
// addresses are encrypted at rest by the repository and never logged raw.
type TrustedDeviceRecord struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	UserID                uuid.UUID  `json:"user_id" db:"user_id"`
	DeviceID              *uuid.UUID `json:"device_id,omitempty" db:"device_id"` // Null when the client lost its local identity
	DeviceLabel           string     `json:"device_label,omitempty" db:"device_label"`
	Fingerprint           string     `json:"-" db:"fingerprint"`
	IPAddress             string     `json:"-" db:"ip_address"`
	Browser               string     `json:"browser,omitempty" db:"browser"`
	BrowserVersion        string     `json:"browser_version,omitempty" db:"browser_version"`
	OS                    string     `json:"os,omitempty" db:"os"`
	OSVersion             string     `json:"os_version,omitempty" db:"os_version"`
	ScreenResolution      string     `json:"screen_resolution,omitempty" db:"screen_resolution"`
	Timezone              string     `json:"timezone,omitempty" db:"timezone"`
	Language              string     `json:"language,omitempty" db:"language"`
	Country               string     `json:"country,omitempty" db:"country"`
	City                  string     `json:"city,omitempty" db:"city"`
	VerifiedAt            *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	LastUsedAt            time.Time  `json:"last_used_at" db:"last_used_at"`
	SessionToken          string     `json:"-" db:"session_token"`
	LastVerifiedSessionAt *time.Time `json:"-" db:"last_verified_session_at"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	DeletedAt             *time.Time `json:"-" db:"deleted_at"`
}

// IsTrusted reports whether the device has completed strong authentication.
func (d *TrustedDeviceRecord) IsTrusted() bool {
	return d.VerifiedAt != nil
}

// IsActive returns true if the device is not deleted.
func (d *TrustedDeviceRecord) IsActive() bool {
	return d.DeletedAt == nil
}

// UsedWithinDays returns true if the device was used in the last N days.
func (d *TrustedDeviceRecord) UsedWithinDays(now time.Time, days int) bool {
	return d.LastUsedAt.After(now.AddDate(0, 0, -days))
}

// BrowserFull returns "Chrome 120" style name+version, or just the name.
func (d *TrustedDeviceRecord) BrowserFull() string {
	if d.BrowserVersion == "" {
		return d.Browser
	}
	return d.Browser + " " + d.BrowserVersion
}

// OSFull returns "macOS 14.2" style name+version, or just the name.
func (d *TrustedDeviceRecord) OSFull() string {
	if d.OSVersion == "" {
		return d.OS
	}
	return d.OS + " " + d.OSVersion
}

// DeviceListItem is a summary for device listing endpoints.
type DeviceListItem struct {
	ID          uuid.UUID  `json:"id"`
	DeviceLabel string     `json:"device_label,omitempty"`
	Browser     string     `json:"browser,omitempty"`
	OS          string     `json:"os,omitempty"`
	Country     string     `json:"country,omitempty"`
	City        string     `json:"city,omitempty"`
	Trusted     bool       `json:"trusted"`
	LastUsedAt  time.Time  `json:"last_used_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	IsCurrent   bool       `json:"is_current"` // Is this the device making the request
}

// ToListItem converts a record to a DeviceListItem.
func (d *TrustedDeviceRecord) ToListItem(currentFingerprint string) *DeviceListItem {
	return &DeviceListItem{
		ID:          d.ID,
		DeviceLabel: d.DeviceLabel,
		Browser:     d.Browser,
		OS:          d.OS,
		Country:     d.Country,
		City:        d.City,
		Trusted:     d.IsTrusted(),
		LastUsedAt:  d.LastUsedAt,
		VerifiedAt:  d.VerifiedAt,
		IsCurrent:   currentFingerprint != "" && d.Fingerprint == currentFingerprint,
	}
}

// SuggestedDevice is the safe subset of a record surfaced to the user
// when a medium-confidence match needs explicit confirmation.
type SuggestedDevice struct {
	ID          uuid.UUID  `json:"id"`
	DeviceID    *uuid.UUID `json:"device_id,omitempty"`
	DeviceLabel string     `json:"device_label,omitempty"`
	Browser     string     `json:"browser,omitempty"`
	OS          string     `json:"os,omitempty"`
	Country     string     `json:"country,omitempty"`
	City        string     `json:"city,omitempty"`
	LastUsedAt  time.Time  `json:"last_used_at"`
}

// ToSuggested converts a record to the confirmation subset.
func (d *TrustedDeviceRecord) ToSuggested() *SuggestedDevice {
	return &SuggestedDevice{
		ID:          d.ID,
		DeviceID:    d.DeviceID,
		DeviceLabel: d.DeviceLabel,
		Browser:     d.Browser,
		OS:          d.OS,
		Country:     d.Country,
		City:        d.City,
		LastUsedAt:  d.LastUsedAt,
	}
}
