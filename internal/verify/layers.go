package verify

import (
	"context"
	"errors"
	"time"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/tracer"
	"github.com/blazewallet/device-trust/internal/repository/postgres"
	"github.com/blazewallet/device-trust/internal/session"
)

// Layer is one strategy in the verification chain. A nil verdict with a nil
// error means the layer cannot decide and the chain continues. An error is
// logged by the orchestrator and the chain continues; only a verdict stops
// it.
type Layer interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) (*Verdict, error)
}

// anchorLayer consults the remote trust anchor first. Unreachable falls
// through to the local layers; an explicit denial is terminal.
type anchorLayer struct {
	client AnchorClient
}

func (l *anchorLayer) Name() string { return "trust_anchor" }

func (l *anchorLayer) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	s := req.Fingerprint.Signals
	challenge := anchor.Challenge{
		DeviceID:         req.DeviceID,
		Fingerprint:      req.Fingerprint.VisitorID,
		IPAddress:        s.IPAddress,
		Timezone:         s.Timezone,
		Browser:          s.Browser,
		BrowserVersion:   s.BrowserVersion,
		OS:               s.OS,
		OSVersion:        s.OSVersion,
		ScreenResolution: s.ScreenResolution,
		Language:         s.Language,
	}

	resp, err := l.client.Challenge(ctx, req.UserID, challenge)
	if err != nil {
		if errors.Is(err, anchor.ErrAnchorDenied) {
			// Denial is terminal; the local layers must not override it
			verdict := &Verdict{
				Outcome: OutcomeDeviceNotFound,
				Layer:   l.Name(),
			}
			if resp != nil {
				score := resp.Score
				verdict.MatchScore = &score
			}
			return verdict, nil
		}
		return nil, err
	}

	score := resp.Score
	if resp.Trusted {
		return &Verdict{
			Outcome:      OutcomeVerified,
			Verified:     true,
			Layer:        l.Name(),
			DeviceID:     resp.DeviceID,
			SessionToken: resp.SessionToken,
			MatchScore:   &score,
		}, nil
	}
	return &Verdict{
		Outcome:         OutcomeRequiresConfirmation,
		Layer:           l.Name(),
		MatchScore:      &score,
		SuggestedDevice: resp.SuggestedDevice,
	}, nil
}

// deviceIDLayer matches the locally held device identity against the
// trusted device store.
type deviceIDLayer struct {
	devices DeviceRepository
}

func (l *deviceIDLayer) Name() string { return "device_id" }

func (l *deviceIDLayer) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	if req.DeviceID == nil {
		return nil, nil
	}

	record, err := l.devices.GetByDeviceID(ctx, req.UserID, *req.DeviceID)
	if err != nil {
		if errors.Is(err, postgres.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !record.IsTrusted() {
		return nil, nil
	}

	return &Verdict{
		Outcome:  OutcomeVerified,
		Verified: true,
		Layer:    l.Name(),
		DeviceID: record.DeviceID,
		device:   record,
	}, nil
}

// leaseLayer honors an active session lease: a device verified within the
// grace window skips the match entirely.
type leaseLayer struct {
	leases  LeaseStore
	devices DeviceRepository
	now     func() time.Time
}

func (l *leaseLayer) Name() string { return "session_lease" }

func (l *leaseLayer) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	if req.SessionToken == "" {
		return nil, nil
	}

	lease, err := l.leases.ValidateSession(ctx, req.UserID, req.SessionToken)
	if err != nil {
		if errors.Is(err, session.ErrLeaseNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !lease.Valid(l.now()) {
		return nil, nil
	}

	verdict := &Verdict{
		Outcome:      OutcomeVerified,
		Verified:     true,
		Layer:        l.Name(),
		SessionToken: req.SessionToken,
	}

	// Best effort: the lease alone proves trust, the record just lets us
	// restore a cleared identity
	if record, err := l.devices.GetByID(ctx, req.UserID, lease.DeviceRecordID); err == nil {
		verdict.DeviceID = record.DeviceID
		verdict.device = record
	}
	return verdict, nil
}

// fingerprintLayer matches the exact fingerprint value.
type fingerprintLayer struct {
	devices DeviceRepository
}

func (l *fingerprintLayer) Name() string { return "fingerprint_exact" }

func (l *fingerprintLayer) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	if req.Fingerprint.VisitorID == "" {
		return nil, nil
	}

	record, err := l.devices.GetByFingerprint(ctx, req.UserID, req.Fingerprint.VisitorID)
	if err != nil {
		if errors.Is(err, postgres.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !record.IsTrusted() {
		return nil, nil
	}

	return &Verdict{
		Outcome:  OutcomeVerified,
		Verified: true,
		Layer:    l.Name(),
		DeviceID: record.DeviceID,
		device:   record,
	}, nil
}

// heuristicLayer scores the request against all verified devices and
// recovers the identity when confidence is high enough.
type heuristicLayer struct {
	devices DeviceRepository
	scorer  Scorer
}

func (l *heuristicLayer) Name() string { return "heuristic_match" }

func (l *heuristicLayer) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	devices, err := l.devices.ListVerified(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	result := l.scorer.Score(req.candidate(), devices)
	score := result.Score
	tracer.SetAttributes(ctx, tracer.MatchConfidenceAttr(string(result.Confidence)))

	if result.CanAutoRecover {
		return &Verdict{
			Outcome:       OutcomeVerified,
			Verified:      true,
			Layer:         l.Name(),
			DeviceID:      result.Device.DeviceID,
			MatchScore:    &score,
			device:        result.Device,
			autoRecovered: true,
		}, nil
	}
	if result.Confidence == domain.ConfidenceMedium {
		return &Verdict{
			Outcome:         OutcomeRequiresConfirmation,
			Layer:           l.Name(),
			MatchScore:      &score,
			SuggestedDevice: result.Device.ToSuggested(),
		}, nil
	}
	return nil, nil
}
