package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/domain/security"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/storage"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestGetOrCreate_CreatesFreshIdentity(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t), WithLabeler(func() string { return "Chrome on macOS" }))

	ident, created, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !created {
		t.Error("expected identity to be created")
	}
	if ident.DeviceID == uuid.Nil {
		t.Error("expected non-nil device id")
	}
	if ident.DeviceID.Version() != 4 {
		t.Errorf("expected uuid v4, got version %d", ident.DeviceID.Version())
	}
	if ident.DeviceLabel != "Chrome on macOS" {
		t.Errorf("unexpected label: %s", ident.DeviceLabel)
	}
}

func TestGetOrCreate_IsStableAcrossCalls(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t))

	first, _, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, created, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if created {
		t.Error("second call should not create a new identity")
	}
	if first.DeviceID != second.DeviceID {
		t.Errorf("identity changed between calls: %s vs %s", first.DeviceID, second.DeviceID)
	}
}

func TestGetOrCreate_ReplacesCorruptedValue(t *testing.T) {
	kv := storage.NewMemoryStore()
	_ = kv.Set(context.Background(), "device_identity", `{"device_id":"not-a-uuid"}`)

	store := NewStore(kv, testLogger(t))
	ident, created, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("expected regeneration, got: %v", err)
	}
	if !created {
		t.Error("expected a regenerated identity")
	}
	if ident.DeviceID == uuid.Nil || ident.DeviceID.Version() != 4 {
		t.Error("expected a fresh valid uuid v4")
	}

	// Stored value must be the fresh one now
	got, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get after regeneration failed: %v", err)
	}
	if got.DeviceID != ident.DeviceID {
		t.Error("regenerated identity was not persisted")
	}
}

func TestGet_NoIdentity(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), testLogger(t))

	_, err := store.Get(context.Background())
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got: %v", err)
	}
}

func TestGet_RejectsNonV4(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t))

	// uuid v1-shaped value: valid uuid, wrong version
	v1 := "c232ab00-9414-11ec-b3c8-9f68deced846"
	_ = kv.Set(context.Background(), "device_identity",
		`{"device_id":"`+v1+`","device_label":"x","created_at":"2026-01-01T00:00:00Z"}`)

	_, err := store.Get(context.Background())
	if !errors.Is(err, ErrInvalidIdentityFormat) {
		t.Errorf("expected ErrInvalidIdentityFormat, got: %v", err)
	}
}

func TestSet_RejectsInvalidIdentity(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), testLogger(t))

	err := store.Set(context.Background(), domain.DeviceIdentity{})
	if !errors.Is(err, ErrInvalidIdentityFormat) {
		t.Errorf("expected ErrInvalidIdentityFormat, got: %v", err)
	}
}

func TestRotate_ReturnsOldAndPersistsFresh(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t))

	original, _, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	old, fresh, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if old == nil || old.DeviceID != original.DeviceID {
		t.Error("rotate should return the replaced identity")
	}
	if fresh.DeviceID == original.DeviceID {
		t.Error("rotate should mint a new device id")
	}

	got, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get after rotate failed: %v", err)
	}
	if got.DeviceID != fresh.DeviceID {
		t.Error("rotated identity was not persisted")
	}
}

func TestRotate_WithoutExistingIdentity(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), testLogger(t))

	old, fresh, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if old != nil {
		t.Error("expected nil old identity")
	}
	if fresh.DeviceID == uuid.Nil {
		t.Error("expected a fresh identity")
	}
}

func TestClear_RemovesIdentity(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t))

	if _, _, err := store.GetOrCreate(context.Background()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	_, err := store.Get(context.Background())
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity after clear, got: %v", err)
	}
}

func TestClear_AbsentIdentityIsNotAnError(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), testLogger(t))
	if err := store.Clear(context.Background()); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestGetOrCreate_ConcurrentCallersAgree(t *testing.T) {
	kv := storage.NewMemoryStore()
	store := NewStore(kv, testLogger(t))

	const callers = 20
	ids := make(chan uuid.UUID, callers)
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			ident, _, err := store.GetOrCreate(context.Background())
			if err != nil {
				errs <- err
				return
			}
			ids <- ident.DeviceID
		}()
	}

	var first uuid.UUID
	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("concurrent GetOrCreate failed: %v", err)
		case id := <-ids:
			if i == 0 {
				first = id
			} else if id != first {
				t.Fatalf("concurrent callers saw different identities: %s vs %s", first, id)
			}
		}
	}
}

func TestGetOrCreate_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(storage.NewMemoryStore(), testLogger(t),
		WithClock(func() time.Time { return fixed }))

	ident, _, err := store.GetOrCreate(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !ident.CreatedAt.Equal(fixed) {
		t.Errorf("expected created_at %v, got %v", fixed, ident.CreatedAt)
	}
}

type MockPublisher struct {
	PublishFunc func(ctx context.Context, event *security.Event) error
}

func (m *MockPublisher) Publish(ctx context.Context, event *security.Event) error {
	return m.PublishFunc(ctx, event)
}

func TestRotate_PublishesRotationEvent(t *testing.T) {
	kv := storage.NewMemoryStore()
	secret := []byte("test-hmac-secret")

	var published *security.Event
	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, event *security.Event) error {
			published = event
			return nil
		},
	}

	store := NewStore(kv, testLogger(t), WithRotationEvents(publisher, secret))
	if _, _, err := store.GetOrCreate(context.Background()); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	previous, fresh, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if published == nil {
		t.Fatal("expected a rotation event")
	}
	if published.Type != security.EventIdentityRotated {
		t.Errorf("event type = %s, want identity_rotated", published.Type)
	}
	if published.DeviceID != fresh.DeviceID.String() {
		t.Error("event should carry the fresh device id")
	}
	if previous == nil || published.Details["previous_device_id"] != previous.DeviceID.String() {
		t.Error("event should carry the previous device id")
	}
	if !security.VerifyHMAC(published, secret) {
		t.Error("event signature should verify")
	}
}

func TestRotate_PublishFailureDoesNotBlockRotation(t *testing.T) {
	kv := storage.NewMemoryStore()
	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, event *security.Event) error {
			return errors.New("broker down")
		},
	}

	store := NewStore(kv, testLogger(t), WithRotationEvents(publisher, []byte("secret")))
	_, fresh, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotation must succeed when publishing fails, got: %v", err)
	}

	got, err := store.Get(context.Background())
	if err != nil || got.DeviceID != fresh.DeviceID {
		t.Error("fresh identity should be persisted despite the publish failure")
	}
}
