package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// ChallengeDeviceStore is the slice of the device store challenge
// evaluation needs.
type ChallengeDeviceStore interface {
	ListVerified(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error)
	TouchLastUsed(ctx context.Context, recordID uuid.UUID, usedAt time.Time) error
	UpdateFingerprint(ctx context.Context, recordID uuid.UUID, fingerprint string) error
}

// LeaseIssuer issues session leases for trusted challenge outcomes.
type LeaseIssuer interface {
	Issue(ctx context.Context, userID, deviceRecordID uuid.UUID) (string, error)
}

// ChallengeService evaluates inbound device challenges when this service
// acts as the trust anchor for other wallet backends. The policy itself is
// side-effect free; this service owns the trusted-outcome side effects:
// lease issuance, last-used refresh, and fingerprint adoption.
type ChallengeService struct {
	devices    ChallengeDeviceStore
	leases     LeaseIssuer
	policy     *anchor.Policy
	events     EventPublisher
	hmacSecret []byte
	now        func() time.Time
	log        *logger.Logger
}

// ChallengeOption configures a ChallengeService
type ChallengeOption func(*ChallengeService)

// WithChallengeClock overrides the time source
func WithChallengeClock(now func() time.Time) ChallengeOption {
	return func(s *ChallengeService) { s.now = now }
}

// NewChallengeService creates the challenge service. events may be nil;
// event publication is best effort.
func NewChallengeService(devices ChallengeDeviceStore, leases LeaseIssuer, policy *anchor.Policy, events EventPublisher, hmacSecret []byte, log *logger.Logger, opts ...ChallengeOption) *ChallengeService {
	s := &ChallengeService{
		devices:    devices,
		leases:     leases,
		policy:     policy,
		events:     events,
		hmacSecret: hmacSecret,
		now:        time.Now,
		log:        log.Named("challenge_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate scores a challenge against the user's verified devices and
// applies the trusted-outcome side effects.
func (s *ChallengeService) Evaluate(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge, requestID string) (*anchor.Response, error) {
	devices, err := s.devices.ListVerified(ctx, userID)
	if err != nil {
		return nil, err
	}

	decision := s.policy.Evaluate(challenge, devices)

	resp := &anchor.Response{
		Score:        decision.Score,
		MatchDetails: decision.Details,
	}

	switch decision.Outcome {
	case anchor.OutcomeTrusted:
		resp.Trusted = true
		resp.Confidence = domain.ConfidenceHigh
		resp.DeviceID = decision.BestMatch.DeviceID
		s.applyTrusted(ctx, userID, challenge, decision.BestMatch, requestID, resp)

	case anchor.OutcomeConfirmation:
		resp.RequiresConfirmation = true
		resp.Confidence = domain.ConfidenceMedium
		resp.SuggestedDevice = decision.BestMatch.ToSuggested()

	default:
		resp.RequiresVerification = true
		resp.Confidence = domain.ConfidenceLow
	}

	s.log.WithContext(ctx).Info("challenge decided",
		logger.RequestID(requestID),
		logger.UserID(userID.String()),
		logger.Operation("evaluate"),
		logger.Score(decision.Score),
		logger.Layer(string(decision.Outcome)))

	return resp, nil
}

// applyTrusted runs the side effects of a trusted verdict. Each is best
// effort: the verdict stands even when a refresh or the lease fails.
func (s *ChallengeService) applyTrusted(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge, best *domain.TrustedDeviceRecord, requestID string, resp *anchor.Response) {
	now := s.now()

	if err := s.devices.TouchLastUsed(ctx, best.ID, now); err != nil {
		s.log.WithContext(ctx).Warn("failed to refresh last-used",
			logger.RequestID(requestID),
			logger.DeviceID(best.ID.String()),
			logger.ErrorField(err))
	}

	// The observed fingerprint becomes the stored one so the next
	// challenge from this device scores exact again.
	if challenge.Fingerprint != "" && challenge.Fingerprint != best.Fingerprint {
		if err := s.devices.UpdateFingerprint(ctx, best.ID, challenge.Fingerprint); err != nil {
			s.log.WithContext(ctx).Warn("failed to adopt challenge fingerprint",
				logger.RequestID(requestID),
				logger.DeviceID(best.ID.String()),
				logger.ErrorField(err))
		}
	}

	if s.leases != nil {
		token, err := s.leases.Issue(ctx, userID, best.ID)
		if err != nil {
			s.log.WithContext(ctx).Warn("failed to issue session lease",
				logger.RequestID(requestID),
				logger.DeviceID(best.ID.String()),
				logger.ErrorField(err))
		} else {
			resp.SessionToken = token
		}
	}

	s.publishVerified(ctx, userID, best, requestID)
}

func (s *ChallengeService) publishVerified(ctx context.Context, userID uuid.UUID, record *domain.TrustedDeviceRecord, requestID string) {
	if s.events == nil {
		return
	}

	builder := security.NewEvent(security.EventDeviceVerified, s.hmacSecret).
		Severity(security.SeverityInfo).
		UserID(userID.String()).
		RequestID(requestID).
		Detail("device_label", record.DeviceLabel).
		Detail("source", "anchor_challenge")
	if record.DeviceID != nil {
		builder = builder.DeviceID(record.DeviceID.String())
	}

	event, err := builder.Build()
	if err != nil {
		s.log.WithContext(ctx).Warn("failed to build security event",
			logger.RequestID(requestID),
			logger.ErrorField(err))
		return
	}

	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithContext(ctx).Warn("failed to publish security event",
			logger.RequestID(requestID),
			logger.ErrorField(err))
	}
}
