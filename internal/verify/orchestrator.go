package verify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/pkg/tracer"
)

// Orchestrator evaluates the verification chain for one attempt at a time
// and owns the side effects of a verified verdict: lease issuance, identity
// restoration, usage timestamps, and the detached anomaly check.
type Orchestrator struct {
	layers   []Layer
	devices  DeviceRepository
	identity IdentityWriter
	leases   LeaseIssuer
	sessions SessionValidator
	anomaly  AnomalyChecker
	now      func() time.Time
	log      *logger.Logger

	// generation guards verified side effects against stale attempts: once
	// a newer attempt has emitted, an older in-flight one may still return
	// its verdict but must not touch shared state.
	generation atomic.Uint64
	emitted    atomic.Uint64
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Config wires the orchestrator's collaborators. Anchor and Anomaly are
// optional; everything else is required.
type Config struct {
	Devices  DeviceRepository
	Leases   LeaseStore
	Issuer   LeaseIssuer
	Sessions SessionValidator
	Identity IdentityWriter
	Anchor   AnchorClient
	Scorer   Scorer
	Anomaly  AnomalyChecker
}

// NewOrchestrator builds the chain in its fixed evaluation order
func NewOrchestrator(cfg Config, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		devices:  cfg.Devices,
		identity: cfg.Identity,
		leases:   cfg.Issuer,
		sessions: cfg.Sessions,
		anomaly:  cfg.Anomaly,
		now:      time.Now,
		log:      log.Named("verification_orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.Anchor != nil {
		o.layers = append(o.layers, &anchorLayer{client: cfg.Anchor})
	}
	o.layers = append(o.layers,
		&deviceIDLayer{devices: cfg.Devices},
		&leaseLayer{leases: cfg.Leases, devices: cfg.Devices, now: o.now},
		&fingerprintLayer{devices: cfg.Devices},
		&heuristicLayer{devices: cfg.Devices, scorer: cfg.Scorer},
	)
	return o
}

// Verify runs the chain and returns a terminal verdict. The chain is
// fail-closed: a layer error skips to the next layer, and exhausting the
// chain means the device is not recognized.
func (o *Orchestrator) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	gen := o.generation.Add(1)

	ctx, span := tracer.Start(ctx, "verify.chain")
	defer span.End()
	tracer.SetAttributes(ctx,
		tracer.RequestIDAttr(req.RequestID),
		tracer.UserIDAttr(req.UserID.String()),
	)

	log := o.log.With(
		logger.RequestID(req.RequestID),
		logger.UserID(req.UserID.String()),
	)

	for _, layer := range o.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		verdict, err := layer.Evaluate(ctx, req)
		if err != nil {
			tracer.AddEvent(ctx, "layer failed", tracer.VerificationLayerAttr(layer.Name()))
			log.Warn("verification layer failed, continuing",
				logger.Layer(layer.Name()),
				logger.ErrorField(err))
			continue
		}
		if verdict == nil {
			continue
		}

		tracer.SetAttributes(ctx,
			tracer.VerificationLayerAttr(layer.Name()),
			tracer.OutcomeAttr(string(verdict.Outcome)),
		)
		if verdict.MatchScore != nil {
			tracer.SetAttributes(ctx, tracer.MatchScoreAttr(*verdict.MatchScore))
		}
		log.Info("verification verdict",
			logger.Layer(layer.Name()),
			logger.Operation(string(verdict.Outcome)))
		return o.emit(ctx, gen, req, verdict), nil
	}

	tracer.SetAttributes(ctx, tracer.OutcomeAttr(string(OutcomeDeviceNotFound)))
	return o.emit(ctx, gen, req, &Verdict{Outcome: OutcomeDeviceNotFound}), nil
}

// emit finalizes a verdict. Side effects run only for the newest attempt;
// a stale attempt's verdict is returned untouched so it cannot overwrite
// state a fresher verdict already established.
func (o *Orchestrator) emit(ctx context.Context, gen uint64, req *Request, verdict *Verdict) *Verdict {
	for {
		last := o.emitted.Load()
		if gen <= last {
			return verdict
		}
		if o.emitted.CompareAndSwap(last, gen) {
			break
		}
	}

	if verdict.Outcome != OutcomeVerified {
		return verdict
	}
	o.applyVerifiedEffects(ctx, req, verdict)
	return verdict
}

func (o *Orchestrator) applyVerifiedEffects(ctx context.Context, req *Request, verdict *Verdict) {
	log := o.log.With(logger.RequestID(req.RequestID), logger.UserID(req.UserID.String()))

	if verdict.device != nil {
		if err := o.devices.TouchLastUsed(ctx, verdict.device.ID, o.now()); err != nil {
			log.Warn("failed to touch device usage timestamp", logger.ErrorField(err))
		}

		if verdict.autoRecovered && req.Fingerprint.VisitorID != "" {
			if err := o.devices.UpdateFingerprint(ctx, verdict.device.ID, req.Fingerprint.VisitorID); err != nil {
				log.Warn("failed to adopt recovered fingerprint", logger.ErrorField(err))
			}
		}

		if verdict.SessionToken == "" && o.leases != nil {
			token, err := o.leases.Issue(ctx, req.UserID, verdict.device.ID)
			if err != nil {
				log.Warn("failed to issue session lease", logger.ErrorField(err))
			} else {
				verdict.SessionToken = token
			}
		}
	}

	// Restore the local identity when the client lost it and the verdict
	// recovered which device this is
	if req.DeviceID == nil && verdict.DeviceID != nil && o.identity != nil {
		restored := domain.DeviceIdentity{
			DeviceID:  *verdict.DeviceID,
			CreatedAt: o.now().UTC(),
		}
		if verdict.device != nil {
			restored.DeviceLabel = verdict.device.DeviceLabel
		}
		if err := o.identity.Set(ctx, restored); err != nil {
			log.Warn("failed to restore device identity", logger.ErrorField(err))
		}
	}

	if o.anomaly != nil && verdict.device != nil {
		// Detached: the verdict is already final, drift handling must not
		// delay or fail it
		device := *verdict.device
		if verdict.autoRecovered {
			score := 0
			if verdict.MatchScore != nil {
				score = *verdict.MatchScore
			}
			go o.anomaly.RecordRecovery(context.WithoutCancel(ctx), req.RequestID, device, score)
		} else {
			go o.anomaly.Check(context.WithoutCancel(ctx), req.RequestID, device, req.Fingerprint.VisitorID)
		}
	}
}

// CheckSession answers the standalone "is this lease still good" question
// outside a full verification attempt.
func (o *Orchestrator) CheckSession(ctx context.Context, userID uuid.UUID, token string) (Outcome, int) {
	if token == "" || o.sessions == nil {
		return OutcomeNoSession, 0
	}
	valid, remaining, err := o.sessions.Validate(ctx, userID, token)
	if err != nil {
		o.log.Warn("session check failed",
			logger.UserID(userID.String()),
			logger.ErrorField(err))
		return OutcomeSessionError, 0
	}
	if !valid {
		return OutcomeNoSession, 0
	}
	return OutcomeVerified, remaining
}
