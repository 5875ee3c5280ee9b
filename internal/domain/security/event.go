package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a security event.
type EventType string

const (
	EventFingerprintMajorChange EventType = "fingerprint_major_change"
	EventDeviceVerified         EventType = "device_verified"
	EventDeviceAutoRecovered    EventType = "device_auto_recovered"
	EventDeviceRemoved          EventType = "device_removed"
	EventIdentityRotated        EventType = "identity_rotated"
)

// Severity grades how urgently a security event needs review.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is an immutable security event with an HMAC integrity signature.
// Details carry fingerprint previews only, never full values.
type Event struct {
	EventID   string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id"`
	DeviceID  string            `json:"device_id,omitempty"`
	IPHash    string            `json:"ip_hash,omitempty"` // Hashed client IP, never raw
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	HMAC      string            `json:"hmac"`
}

// Builder assembles security events and signs them on Build.
type Builder struct {
	event      *Event
	hmacSecret []byte
}

// NewEvent starts a builder for the given event type.
func NewEvent(eventType EventType, hmacSecret []byte) *Builder {
	return &Builder{
		event: &Event{
			EventID:   uuid.New().String(),
			Timestamp: time.Now().UTC(),
			Type:      eventType,
			Severity:  SeverityInfo,
		},
		hmacSecret: hmacSecret,
	}
}

// Severity sets the event severity.
func (b *Builder) Severity(s Severity) *Builder {
	b.event.Severity = s
	return b
}

// UserID sets the affected user.
func (b *Builder) UserID(id string) *Builder {
	b.event.UserID = id
	return b
}

// DeviceID sets the affected device record.
func (b *Builder) DeviceID(id string) *Builder {
	b.event.DeviceID = id
	return b
}

// IPHash sets the hashed client IP.
func (b *Builder) IPHash(hash string) *Builder {
	b.event.IPHash = hash
	return b
}

// RequestID sets the correlation ID.
func (b *Builder) RequestID(id string) *Builder {
	b.event.RequestID = id
	return b
}

// Detail adds one key/value to the event details.
func (b *Builder) Detail(key, value string) *Builder {
	if b.event.Details == nil {
		b.event.Details = make(map[string]string)
	}
	b.event.Details[key] = value
	return b
}

// Build signs and returns the final event.
func (b *Builder) Build() (*Event, error) {
	sig, err := sign(b.event, b.hmacSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign security event: %w", err)
	}
	b.event.HMAC = sig
	return b.event, nil
}

func sign(event *Event, secret []byte) (string, error) {
	unsigned := *event
	unsigned.HMAC = ""

	data, err := json.Marshal(unsigned)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks the integrity signature of an event.
func VerifyHMAC(event *Event, secret []byte) bool {
	expected, err := sign(event, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(event.HMAC), []byte(expected))
}

// HashIP hashes an IP address for privacy-preserving storage and logging.
func HashIP(ip string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// JSON returns the event as JSON bytes.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes an event from JSON.
func Parse(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
