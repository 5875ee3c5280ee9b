// Package service carries the device management operations that sit next
// to verification: listing a user's trusted devices and revoking one.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// Common errors
var (
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceStore is the slice of the repository device management needs.
type DeviceStore interface {
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error)
	GetByID(ctx context.Context, userID, recordID uuid.UUID) (*domain.TrustedDeviceRecord, error)
	SoftDelete(ctx context.Context, userID, recordID uuid.UUID) error
}

// ListCache fronts the repository's device lists.
type ListCache interface {
	Get(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, bool, error)
	Set(ctx context.Context, userID uuid.UUID, records []*domain.TrustedDeviceRecord) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// EventPublisher publishes security events.
type EventPublisher interface {
	Publish(ctx context.Context, event *security.Event) error
}

// DeviceService handles trusted device management
type DeviceService struct {
	devices    DeviceStore
	cache      ListCache
	events     EventPublisher
	hmacSecret []byte
	log        *logger.Logger
}

// NewDeviceService creates a new device service. Cache and events may be
// nil; both are best effort.
func NewDeviceService(devices DeviceStore, cache ListCache, events EventPublisher, hmacSecret []byte, log *logger.Logger) *DeviceService {
	return &DeviceService{
		devices:    devices,
		cache:      cache,
		events:     events,
		hmacSecret: hmacSecret,
		log:        log.Named("device_service"),
	}
}

// ListDevices returns a user's active devices as listing summaries. The
// current fingerprint marks which entry is the caller's own device.
func (s *DeviceService) ListDevices(ctx context.Context, userID uuid.UUID, currentFingerprint string) ([]*domain.DeviceListItem, error) {
	records, err := s.listRecords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	items := make([]*domain.DeviceListItem, 0, len(records))
	for _, record := range records {
		items = append(items, record.ToListItem(currentFingerprint))
	}
	return items, nil
}

// listRecords serves device lists from the cache when it has them, falling
// back to the repository and repopulating on a miss. Cache failures never
// fail the listing.
func (s *DeviceService) listRecords(ctx context.Context, userID uuid.UUID) ([]*domain.TrustedDeviceRecord, error) {
	if s.cache != nil {
		if records, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			return records, nil
		} else if err != nil {
			s.log.Warn("device list cache read failed",
				logger.UserID(userID.String()),
				logger.ErrorField(err))
		}
	}

	records, err := s.devices.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, records); err != nil {
			s.log.Warn("device list cache write failed",
				logger.UserID(userID.String()),
				logger.ErrorField(err))
		}
	}
	return records, nil
}

// RemoveDevice revokes trust in one device. The record is soft-deleted, the
// cached candidate list is invalidated, and a security event is published.
func (s *DeviceService) RemoveDevice(ctx context.Context, userID, recordID uuid.UUID, requestID string) error {
	record, err := s.devices.GetByID(ctx, userID, recordID)
	if err != nil {
		return ErrDeviceNotFound
	}

	if err := s.devices.SoftDelete(ctx, userID, recordID); err != nil {
		return fmt.Errorf("removing device: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.log.Warn("failed to invalidate device list cache",
				logger.UserID(userID.String()),
				logger.ErrorField(err))
		}
	}

	s.publishRemoval(ctx, record, requestID)

	s.log.Info("device removed",
		logger.Operation("remove_device"),
		logger.UserID(userID.String()),
		logger.DeviceID(recordID.String()))
	return nil
}

// publishRemoval is best effort: removal stands whether or not the event
// pipeline accepts it.
func (s *DeviceService) publishRemoval(ctx context.Context, record *domain.TrustedDeviceRecord, requestID string) {
	if s.events == nil {
		return
	}

	builder := security.NewEvent(security.EventDeviceRemoved, s.hmacSecret).
		Severity(security.SeverityMedium).
		UserID(record.UserID.String()).
		RequestID(requestID).
		Detail("device_label", record.DeviceLabel).
		Detail("fingerprint_preview", domain.Preview(record.Fingerprint))
	if record.DeviceID != nil {
		builder = builder.DeviceID(record.DeviceID.String())
	}

	event, err := builder.Build()
	if err != nil {
		s.log.Error("failed to build device removal event", logger.ErrorField(err))
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish device removal event", logger.ErrorField(err))
	}
}
