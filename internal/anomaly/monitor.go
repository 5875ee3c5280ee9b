// Package anomaly watches verified devices for fingerprint drift. It runs
// off the verification hot path: whatever happens here, the verdict the
// user already received stands.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/match"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// DriftThreshold splits expected drift (browser updates, OS upgrades) from
// a wholesale fingerprint change that deserves a security event.
const DriftThreshold = 0.5

const checkTimeout = 10 * time.Second

// FingerprintUpdater persists a refreshed fingerprint for a device record.
type FingerprintUpdater interface {
	UpdateFingerprint(ctx context.Context, recordID uuid.UUID, fingerprint string) error
}

// EventPublisher publishes security events.
type EventPublisher interface {
	Publish(ctx context.Context, event *security.Event) error
}

// Monitor compares a device's stored fingerprint with the one observed
// during verification and reacts to drift. It never returns errors and
// never revokes trust: low similarity raises an event for review, nothing
// more.
type Monitor struct {
	devices    FingerprintUpdater
	events     EventPublisher
	hmacSecret []byte
	log        *logger.Logger
}

// NewMonitor creates an anomaly monitor
func NewMonitor(devices FingerprintUpdater, events EventPublisher, hmacSecret []byte, log *logger.Logger) *Monitor {
	return &Monitor{
		devices:    devices,
		events:     events,
		hmacSecret: hmacSecret,
		log:        log.Named("anomaly_monitor"),
	}
}

// Check evaluates fingerprint drift for a just-verified device. Similar
// enough means the stored fingerprint is silently refreshed; a major change
// publishes a security event. Safe to call detached: panics are recovered
// and failures are only logged.
func (m *Monitor) Check(ctx context.Context, requestID string, device domain.TrustedDeviceRecord, newFingerprint string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("recovered panic in anomaly check",
				logger.Operation("check"),
				logger.DeviceID(device.ID.String()),
				logger.ErrorField(fmt.Errorf("panic: %v", r)))
		}
	}()

	if newFingerprint == "" || newFingerprint == device.Fingerprint {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	similarity := match.Similarity(device.Fingerprint, newFingerprint)
	if similarity >= DriftThreshold {
		if err := m.devices.UpdateFingerprint(ctx, device.ID, newFingerprint); err != nil {
			m.log.Warn("failed to refresh drifted fingerprint",
				logger.Operation("check"),
				logger.DeviceID(device.ID.String()),
				logger.ErrorField(err))
			return
		}
		m.log.Info("fingerprint drift absorbed",
			logger.Operation("check"),
			logger.DeviceID(device.ID.String()),
			logger.Score(int(similarity*100)))
		return
	}

	event, err := security.NewEvent(security.EventFingerprintMajorChange, m.hmacSecret).
		Severity(security.SeverityHigh).
		UserID(device.UserID.String()).
		DeviceID(device.ID.String()).
		RequestID(requestID).
		Detail("stored_fingerprint_preview", domain.Preview(device.Fingerprint)).
		Detail("observed_fingerprint_preview", domain.Preview(newFingerprint)).
		Detail("similarity", fmt.Sprintf("%.2f", similarity)).
		Build()
	if err != nil {
		m.log.Error("failed to build fingerprint change event",
			logger.Operation("check"),
			logger.ErrorField(err))
		return
	}

	m.publish(ctx, event, "fingerprint change")

	m.log.Warn("major fingerprint change detected",
		logger.Operation("check"),
		logger.DeviceID(device.ID.String()),
		logger.UserID(device.UserID.String()),
		logger.Score(int(similarity*100)))
}

// RecordRecovery emits an audit event for a heuristic auto-recovery, where
// trust was re-established without the client holding its device identity.
// Fire-and-forget like Check: safe detached, never interferes with the
// verdict already emitted.
func (m *Monitor) RecordRecovery(ctx context.Context, requestID string, device domain.TrustedDeviceRecord, score int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("recovered panic while recording auto-recovery",
				logger.Operation("record_recovery"),
				logger.DeviceID(device.ID.String()),
				logger.ErrorField(fmt.Errorf("panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	event, err := security.NewEvent(security.EventDeviceAutoRecovered, m.hmacSecret).
		Severity(security.SeverityMedium).
		UserID(device.UserID.String()).
		DeviceID(device.ID.String()).
		RequestID(requestID).
		Detail("fingerprint_preview", domain.Preview(device.Fingerprint)).
		Detail("match_score", fmt.Sprintf("%d", score)).
		Build()
	if err != nil {
		m.log.Error("failed to build auto-recovery event",
			logger.Operation("record_recovery"),
			logger.ErrorField(err))
		return
	}

	m.publish(ctx, event, "auto-recovery")

	m.log.Info("device auto-recovery recorded",
		logger.Operation("record_recovery"),
		logger.DeviceID(device.ID.String()),
		logger.UserID(device.UserID.String()),
		logger.Score(score))
}

func (m *Monitor) publish(ctx context.Context, event *security.Event, kind string) {
	if m.events == nil {
		m.log.Warn("no event publisher wired, dropping "+kind+" event",
			logger.Operation("publish"))
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.log.Error("failed to publish "+kind+" event",
			logger.Operation("publish"),
			logger.ErrorField(err))
	}
}
