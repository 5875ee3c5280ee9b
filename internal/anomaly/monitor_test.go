package anomaly

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

type MockUpdater struct {
	UpdateFingerprintFunc func(ctx context.Context, recordID uuid.UUID, fingerprint string) error
}

func (m *MockUpdater) UpdateFingerprint(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
	return m.UpdateFingerprintFunc(ctx, recordID, fingerprint)
}

type MockPublisher struct {
	PublishFunc func(ctx context.Context, event *security.Event) error
}

func (m *MockPublisher) Publish(ctx context.Context, event *security.Event) error {
	return m.PublishFunc(ctx, event)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("creating test logger: %v", err)
	}
	return log
}

var testSecret = []byte("test-hmac-secret")

func testDevice() domain.TrustedDeviceRecord {
	return domain.TrustedDeviceRecord{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Fingerprint: strings.Repeat("a", 40),
		LastUsedAt:  time.Now(),
	}
}

func TestCheck_MinorDriftRefreshesFingerprint(t *testing.T) {
	device := testDevice()
	// 10 of 40 chars changed: similarity 0.75, above the drift threshold
	drifted := strings.Repeat("a", 30) + strings.Repeat("b", 10)

	var updatedID uuid.UUID
	var updatedFP string
	updater := &MockUpdater{
		UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
			updatedID = recordID
			updatedFP = fingerprint
			return nil
		},
	}
	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, event *security.Event) error {
			t.Fatal("minor drift must not publish a security event")
			return nil
		},
	}

	monitor := NewMonitor(updater, publisher, testSecret, testLogger(t))
	monitor.Check(context.Background(), "req-1", device, drifted)

	if updatedID != device.ID {
		t.Error("expected the device record to be refreshed")
	}
	if updatedFP != drifted {
		t.Error("expected the observed fingerprint to be stored")
	}
}

func TestCheck_MajorChangePublishesEvent(t *testing.T) {
	device := testDevice()
	changed := strings.Repeat("z", 40) // similarity 0.0

	updater := &MockUpdater{
		UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
			t.Fatal("major change must not silently overwrite the fingerprint")
			return nil
		},
	}

	var published *security.Event
	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, event *security.Event) error {
			published = event
			return nil
		},
	}

	monitor := NewMonitor(updater, publisher, testSecret, testLogger(t))
	monitor.Check(context.Background(), "req-2", device, changed)

	if published == nil {
		t.Fatal("expected a security event")
	}
	if published.Type != security.EventFingerprintMajorChange {
		t.Errorf("event type = %s, want fingerprint_major_change", published.Type)
	}
	if published.Severity != security.SeverityHigh {
		t.Errorf("severity = %s, want high", published.Severity)
	}
	if published.UserID != device.UserID.String() {
		t.Error("event should carry the user id")
	}
	if published.RequestID != "req-2" {
		t.Error("event should carry the request id")
	}
	if !security.VerifyHMAC(published, testSecret) {
		t.Error("event signature should verify")
	}

	stored := published.Details["stored_fingerprint_preview"]
	if stored != strings.Repeat("a", 12)+"..." {
		t.Errorf("stored preview = %q, want truncated prefix", stored)
	}
	if strings.Contains(stored, device.Fingerprint) {
		t.Error("full fingerprint must never appear in event details")
	}
	if published.Details["similarity"] != "0.00" {
		t.Errorf("similarity detail = %q, want 0.00", published.Details["similarity"])
	}
}

func TestCheck_IdenticalFingerprintIsNoop(t *testing.T) {
	device := testDevice()

	monitor := NewMonitor(
		&MockUpdater{UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
			t.Fatal("identical fingerprint should not update")
			return nil
		}},
		&MockPublisher{PublishFunc: func(ctx context.Context, event *security.Event) error {
			t.Fatal("identical fingerprint should not publish")
			return nil
		}},
		testSecret, testLogger(t))

	monitor.Check(context.Background(), "req-3", device, device.Fingerprint)
	monitor.Check(context.Background(), "req-3", device, "")
}

func TestCheck_ThresholdBoundary(t *testing.T) {
	device := testDevice()

	tests := []struct {
		name        string
		observed    string
		wantUpdate  bool
		wantPublish bool
	}{
		// 20 of 40 changed: similarity exactly 0.5, drift is absorbed
		{"at threshold", strings.Repeat("a", 20) + strings.Repeat("b", 20), true, false},
		// 21 of 40 changed: similarity 0.475, below threshold
		{"below threshold", strings.Repeat("a", 19) + strings.Repeat("b", 21), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, publishedEvent := false, false
			monitor := NewMonitor(
				&MockUpdater{UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
					updated = true
					return nil
				}},
				&MockPublisher{PublishFunc: func(ctx context.Context, event *security.Event) error {
					publishedEvent = true
					return nil
				}},
				testSecret, testLogger(t))

			monitor.Check(context.Background(), "req", device, tt.observed)

			if updated != tt.wantUpdate {
				t.Errorf("updated = %v, want %v", updated, tt.wantUpdate)
			}
			if publishedEvent != tt.wantPublish {
				t.Errorf("published = %v, want %v", publishedEvent, tt.wantPublish)
			}
		})
	}
}

func TestCheck_NeverPanics(t *testing.T) {
	device := testDevice()
	changed := strings.Repeat("z", 40)

	monitor := NewMonitor(
		&MockUpdater{UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
			panic("store blew up")
		}},
		&MockPublisher{PublishFunc: func(ctx context.Context, event *security.Event) error {
			panic("broker blew up")
		}},
		testSecret, testLogger(t))

	// Neither path may escape as a panic
	monitor.Check(context.Background(), "req", device, strings.Repeat("a", 30)+strings.Repeat("b", 10))
	monitor.Check(context.Background(), "req", device, changed)
}

func TestCheck_UpdateFailureIsSwallowed(t *testing.T) {
	device := testDevice()

	monitor := NewMonitor(
		&MockUpdater{UpdateFingerprintFunc: func(ctx context.Context, recordID uuid.UUID, fingerprint string) error {
			return errors.New("connection refused")
		}},
		&MockPublisher{PublishFunc: func(ctx context.Context, event *security.Event) error {
			return errors.New("broker down")
		}},
		testSecret, testLogger(t))

	// Both failure modes are logged, never surfaced
	monitor.Check(context.Background(), "req", device, strings.Repeat("a", 30)+strings.Repeat("b", 10))
	monitor.Check(context.Background(), "req", device, strings.Repeat("z", 40))
}

func TestRecordRecovery_PublishesAuditEvent(t *testing.T) {
	device := testDevice()

	var published *security.Event
	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, event *security.Event) error {
			published = event
			return nil
		},
	}

	monitor := NewMonitor(&MockUpdater{}, publisher, testSecret, testLogger(t))
	monitor.RecordRecovery(context.Background(), "req-3", device, 135)

	if published == nil {
		t.Fatal("expected a security event")
	}
	if published.Type != security.EventDeviceAutoRecovered {
		t.Errorf("event type = %s, want device_auto_recovered", published.Type)
	}
	if published.Severity != security.SeverityMedium {
		t.Errorf("severity = %s, want medium", published.Severity)
	}
	if published.Details["match_score"] != "135" {
		t.Errorf("match_score detail = %q, want 135", published.Details["match_score"])
	}
	if strings.Contains(published.Details["fingerprint_preview"], device.Fingerprint) {
		t.Error("full fingerprint must never appear in event details")
	}
	if !security.VerifyHMAC(published, testSecret) {
		t.Error("event signature should verify")
	}
}

func TestRecordRecovery_NeverPanics(t *testing.T) {
	device := testDevice()

	monitor := NewMonitor(&MockUpdater{},
		&MockPublisher{PublishFunc: func(ctx context.Context, event *security.Event) error {
			panic("broker blew up")
		}},
		testSecret, testLogger(t))

	monitor.RecordRecovery(context.Background(), "req", device, 120)
}

func TestRecordRecovery_NilPublisherIsNoop(t *testing.T) {
	monitor := NewMonitor(&MockUpdater{}, nil, testSecret, testLogger(t))
	monitor.RecordRecovery(context.Background(), "req", testDevice(), 120)
}
