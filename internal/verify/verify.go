// Package verify runs the layered device verification chain. Layers are
// ordered strategies evaluated until one produces a terminal verdict; a
// layer that cannot decide falls through to the next.
package verify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/match"
)

// Outcome is the terminal result of a verification attempt.
type Outcome string

const (
	OutcomeVerified             Outcome = "verified"
	OutcomeRequiresConfirmation Outcome = "requires_confirmation"
	OutcomeDeviceNotFound       Outcome = "device_not_found"
	OutcomeSessionError         Outcome = "session_error"
	OutcomeNoSession            Outcome = "no_session"
)

// Request carries everything one verification attempt needs.
type Request struct {
	UserID       uuid.UUID
	RequestID    string
	DeviceID     *uuid.UUID // Locally held identity; nil when the client lost it
	SessionToken string
	Fingerprint  domain.Fingerprint
}

// candidate projects the request onto the scorer's input.
func (r *Request) candidate() match.Candidate {
	s := r.Fingerprint.Signals
	return match.Candidate{
		Fingerprint:      r.Fingerprint.VisitorID,
		IPAddress:        s.IPAddress,
		Country:          s.Country,
		Browser:          s.Browser,
		BrowserVersion:   s.BrowserVersion,
		OS:               s.OS,
		OSVersion:        s.OSVersion,
		ScreenResolution: s.ScreenResolution,
		Timezone:         s.Timezone,
	}
}

// Verdict is the terminal result of a verification attempt.
type Verdict struct {
	Outcome         Outcome                 `json:"outcome"`
	Verified        bool                    `json:"verified"`
	Layer           string                  `json:"layer,omitempty"`
	DeviceID        *uuid.UUID              `json:"device_id,omitempty"`
	SessionToken    string                  `json:"session_token,omitempty"`
	MatchScore      *int                    `json:"match_score,omitempty"`
	SuggestedDevice *domain.SuggestedDevice `json:"suggested_device,omitempty"`

	// device backs the post-verdict side effects; never serialized
	device *domain.TrustedDeviceRecord
	// autoRecovered marks a heuristic recovery whose fingerprint should be
	// adopted as the device's new stored value
	autoRecovered bool
}

// DeviceRepository is the slice of the device store the chain needs.
type DeviceRepository interface {
	GetByDeviceID(ctx context.Context, userID, deviceID uuid.UUID) (*domain.TrustedDeviceRecord, error)
	GetByID(ctx context.Context, userID, recordID uuid.UUID) (*domain.TrustedDeviceRecord, error)
	GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*domain.TrustedDeviceRecord, error)
	ListVerified(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error)
	TouchLastUsed(ctx context.Context, recordID uuid.UUID, usedAt time.Time) error
	UpdateFingerprint(ctx context.Context, recordID uuid.UUID, fingerprint string) error
}

// LeaseStore loads session leases.
type LeaseStore interface {
	ValidateSession(ctx context.Context, userID uuid.UUID, token string) (*domain.SessionLease, error)
}

// LeaseIssuer issues fresh session leases for verified devices.
type LeaseIssuer interface {
	Issue(ctx context.Context, userID, deviceRecordID uuid.UUID) (string, error)
}

// SessionValidator answers whether a lease token is still live.
type SessionValidator interface {
	Validate(ctx context.Context, userID uuid.UUID, token string) (bool, int, error)
}

// AnchorClient asks the remote trust anchor for a verdict. On
// anchor.ErrAnchorDenied the response may still carry the anchor's score,
// but implementations are free to return a nil response with the error.
type AnchorClient interface {
	Challenge(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge) (*anchor.Response, error)
}

// IdentityWriter restores a local device identity after recovery.
type IdentityWriter interface {
	Set(ctx context.Context, identity domain.DeviceIdentity) error
}

// AnomalyChecker watches for fingerprint drift after a verified verdict
// and records heuristic recoveries for audit.
type AnomalyChecker interface {
	Check(ctx context.Context, requestID string, device domain.TrustedDeviceRecord, newFingerprint string)
	RecordRecovery(ctx context.Context, requestID string, device domain.TrustedDeviceRecord, score int)
}

// Scorer runs the heuristic match.
type Scorer interface {
	Score(candidate match.Candidate, devices []*domain.TrustedDeviceRecord) domain.MatchResult
}
