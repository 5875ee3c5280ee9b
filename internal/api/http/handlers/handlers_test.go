package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/api/http/middleware"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/fingerprint"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/pkg/validator"
	"github.com/blazewallet/device-trust/internal/session"
	"github.com/blazewallet/device-trust/internal/verify"
)

type MockVerifier struct {
	VerifyFunc func(ctx context.Context, req *verify.Request) (*verify.Verdict, error)
}

func (m *MockVerifier) Verify(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
	return m.VerifyFunc(ctx, req)
}

type MockCollector struct {
	CollectFunc func(ctx context.Context, env fingerprint.Environment) (domain.Fingerprint, error)
}

func (m *MockCollector) Collect(ctx context.Context, env fingerprint.Environment) (domain.Fingerprint, error) {
	if m.CollectFunc != nil {
		return m.CollectFunc(ctx, env)
	}
	return domain.Fingerprint{VisitorID: "test-visitor"}, nil
}

type MockDeviceManager struct {
	ListDevicesFunc  func(ctx context.Context, userID uuid.UUID, currentFingerprint string) ([]*domain.DeviceListItem, error)
	RemoveDeviceFunc func(ctx context.Context, userID, recordID uuid.UUID, requestID string) error
}

func (m *MockDeviceManager) ListDevices(ctx context.Context, userID uuid.UUID, currentFingerprint string) ([]*domain.DeviceListItem, error) {
	return m.ListDevicesFunc(ctx, userID, currentFingerprint)
}

func (m *MockDeviceManager) RemoveDevice(ctx context.Context, userID, recordID uuid.UUID, requestID string) error {
	return m.RemoveDeviceFunc(ctx, userID, recordID, requestID)
}

type MockLeaseManager struct {
	ExtendFunc func(ctx context.Context, userID uuid.UUID, token string) error
	RevokeFunc func(ctx context.Context, userID uuid.UUID, token string) error
}

func (m *MockLeaseManager) Extend(ctx context.Context, userID uuid.UUID, token string) error {
	return m.ExtendFunc(ctx, userID, token)
}

func (m *MockLeaseManager) Revoke(ctx context.Context, userID uuid.UUID, token string) error {
	return m.RevokeFunc(ctx, userID, token)
}

type MockChecker struct {
	CheckSessionFunc func(ctx context.Context, userID uuid.UUID, token string) (verify.Outcome, int)
}

func (m *MockChecker) CheckSession(ctx context.Context, userID uuid.UUID, token string) (verify.Outcome, int) {
	return m.CheckSessionFunc(ctx, userID, token)
}

type MockEvaluator struct {
	EvaluateFunc func(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge, requestID string) (*anchor.Response, error)
}

func (m *MockEvaluator) Evaluate(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge, requestID string) (*anchor.Response, error) {
	return m.EvaluateFunc(ctx, userID, challenge, requestID)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("creating test logger: %v", err)
	}
	return log
}

func setupTestContext(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Validator = validator.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(string(middleware.RequestIDKey), "req-test")
	return c, rec
}

func TestVerify_VerifiedResponse(t *testing.T) {
	userID := uuid.New()
	deviceID := uuid.New()

	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			if req.UserID != userID {
				t.Errorf("verify got userID %s, want %s", req.UserID, userID)
			}
			if req.Fingerprint.VisitorID != "test-visitor" {
				t.Errorf("verify got fingerprint %q", req.Fingerprint.VisitorID)
			}
			return &verify.Verdict{
				Outcome:      verify.OutcomeVerified,
				Verified:     true,
				Layer:        "device_id",
				DeviceID:     &deviceID,
				SessionToken: "lease-token",
			}, nil
		},
	}

	h := NewVerifyHandler(verifier, &MockCollector{}, nil, testLogger(t))

	body := `{"device_id":"` + deviceID.String() + `","environment":{"user_agent":"Mozilla/5.0"}}`
	c, rec := setupTestContext(http.MethodPost, "/api/v1/verify", body)
	c.Set(string(middleware.UserIDKey), userID)

	if err := h.Verify(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Verified {
		t.Error("expected verified response")
	}
	if resp.Reason != "" {
		t.Errorf("verified response must not carry a reason, got %q", resp.Reason)
	}
	if resp.SessionToken != "lease-token" {
		t.Errorf("session token = %q", resp.SessionToken)
	}
	if resp.DeviceID == nil || *resp.DeviceID != deviceID {
		t.Error("expected device ID in response")
	}
}

func TestVerify_UnverifiedCarriesReason(t *testing.T) {
	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			return &verify.Verdict{Outcome: verify.OutcomeDeviceNotFound}, nil
		},
	}

	h := NewVerifyHandler(verifier, &MockCollector{}, nil, testLogger(t))

	c, rec := setupTestContext(http.MethodPost, "/api/v1/verify",
		`{"environment":{"user_agent":"Mozilla/5.0"}}`)
	c.Set(string(middleware.UserIDKey), uuid.New())

	if err := h.Verify(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var resp VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Verified {
		t.Error("expected unverified response")
	}
	if resp.Reason != string(verify.OutcomeDeviceNotFound) {
		t.Errorf("reason = %q, want device_not_found", resp.Reason)
	}
}

func TestVerify_Unauthorized(t *testing.T) {
	h := NewVerifyHandler(&MockVerifier{}, &MockCollector{}, nil, testLogger(t))

	c, _ := setupTestContext(http.MethodPost, "/api/v1/verify",
		`{"environment":{"user_agent":"Mozilla/5.0"}}`)
	// No user ID in context

	err := h.Verify(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got: %v", err)
	}
}

func TestVerify_OverridesClientReportedIP(t *testing.T) {
	collector := &MockCollector{
		CollectFunc: func(ctx context.Context, env fingerprint.Environment) (domain.Fingerprint, error) {
			if env.IPAddress == "1.2.3.4" {
				t.Error("self-reported IP must be replaced with the observed one")
			}
			return domain.Fingerprint{VisitorID: "v"}, nil
		},
	}
	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			return &verify.Verdict{Outcome: verify.OutcomeDeviceNotFound}, nil
		},
	}

	h := NewVerifyHandler(verifier, collector, nil, testLogger(t))

	c, _ := setupTestContext(http.MethodPost, "/api/v1/verify",
		`{"environment":{"user_agent":"Mozilla/5.0","ip_address":"1.2.3.4"}}`)
	c.Set(string(middleware.UserIDKey), uuid.New())

	if err := h.Verify(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

type MockIdentityStore struct {
	SetFunc func(ctx context.Context, ident domain.DeviceIdentity) error
}

func (m *MockIdentityStore) Set(ctx context.Context, ident domain.DeviceIdentity) error {
	return m.SetFunc(ctx, ident)
}

func TestVerify_MirrorsRecoveredIdentity(t *testing.T) {
	userID := uuid.New()
	recoveredID := uuid.New()

	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			return &verify.Verdict{
				Outcome:  verify.OutcomeVerified,
				Verified: true,
				Layer:    "fingerprint_exact",
				DeviceID: &recoveredID,
			}, nil
		},
	}

	var stored *domain.DeviceIdentity
	identities := IdentityStores(func(uid uuid.UUID) IdentityStore {
		if uid != userID {
			t.Errorf("identity store scoped to %s, want %s", uid, userID)
		}
		return &MockIdentityStore{
			SetFunc: func(ctx context.Context, ident domain.DeviceIdentity) error {
				stored = &ident
				return nil
			},
		}
	})

	h := NewVerifyHandler(verifier, &MockCollector{}, identities, testLogger(t))

	// No device_id in the request body: the client lost its identity.
	c, rec := setupTestContext(http.MethodPost, "/api/v1/verify",
		`{"environment":{"user_agent":"Mozilla/5.0"}}`)
	c.Set(string(middleware.UserIDKey), userID)

	if err := h.Verify(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stored == nil {
		t.Fatal("recovered identity was not mirrored server-side")
	}
	if stored.DeviceID != recoveredID {
		t.Errorf("mirrored device ID = %s, want %s", stored.DeviceID, recoveredID)
	}
	if stored.CreatedAt.IsZero() {
		t.Error("mirrored identity missing creation time")
	}
}

func TestVerify_IdentityMirrorFailureStillVerifies(t *testing.T) {
	recoveredID := uuid.New()

	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			return &verify.Verdict{
				Outcome:  verify.OutcomeVerified,
				Verified: true,
				DeviceID: &recoveredID,
			}, nil
		},
	}
	identities := IdentityStores(func(uid uuid.UUID) IdentityStore {
		return &MockIdentityStore{
			SetFunc: func(ctx context.Context, ident domain.DeviceIdentity) error {
				return context.DeadlineExceeded
			},
		}
	})

	h := NewVerifyHandler(verifier, &MockCollector{}, identities, testLogger(t))

	c, rec := setupTestContext(http.MethodPost, "/api/v1/verify",
		`{"environment":{"user_agent":"Mozilla/5.0"}}`)
	c.Set(string(middleware.UserIDKey), uuid.New())

	if err := h.Verify(c); err != nil {
		t.Fatalf("mirror failure must not fail the request, got: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Verified {
		t.Error("expected verified response despite mirror failure")
	}
}

func TestVerify_KnownDeviceSkipsIdentityMirror(t *testing.T) {
	deviceID := uuid.New()

	verifier := &MockVerifier{
		VerifyFunc: func(ctx context.Context, req *verify.Request) (*verify.Verdict, error) {
			return &verify.Verdict{
				Outcome:  verify.OutcomeVerified,
				Verified: true,
				DeviceID: &deviceID,
			}, nil
		},
	}
	identities := IdentityStores(func(uid uuid.UUID) IdentityStore {
		return &MockIdentityStore{
			SetFunc: func(ctx context.Context, ident domain.DeviceIdentity) error {
				t.Error("client that presented its device ID must not be re-mirrored")
				return nil
			},
		}
	})

	h := NewVerifyHandler(verifier, &MockCollector{}, identities, testLogger(t))

	body := `{"device_id":"` + deviceID.String() + `","environment":{"user_agent":"Mozilla/5.0"}}`
	c, _ := setupTestContext(http.MethodPost, "/api/v1/verify", body)
	c.Set(string(middleware.UserIDKey), uuid.New())

	if err := h.Verify(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestChallenge_TrustedResponse(t *testing.T) {
	userID := uuid.New()

	evaluator := &MockEvaluator{
		EvaluateFunc: func(ctx context.Context, uid uuid.UUID, challenge anchor.Challenge, requestID string) (*anchor.Response, error) {
			if uid != userID {
				t.Errorf("evaluate got userID %s, want %s", uid, userID)
			}
			if challenge.Fingerprint != "challenge-fp" {
				t.Errorf("challenge fingerprint = %q", challenge.Fingerprint)
			}
			return &anchor.Response{Trusted: true, Score: 100, SessionToken: "tok"}, nil
		},
	}

	h := NewChallengeHandler(evaluator, testLogger(t))

	body := `{"userId":"` + userID.String() + `","challenge":{"fingerprint":"challenge-fp"}}`
	c, rec := setupTestContext(http.MethodPost, "/api/v1/device-challenge", body)

	if err := h.Challenge(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp anchor.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Trusted || resp.SessionToken != "tok" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestChallenge_MissingUserID(t *testing.T) {
	h := NewChallengeHandler(&MockEvaluator{}, testLogger(t))

	c, _ := setupTestContext(http.MethodPost, "/api/v1/device-challenge",
		`{"challenge":{"fingerprint":"fp"}}`)

	err := h.Challenge(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got: %v", err)
	}
}

func TestListDevices_ReturnsItems(t *testing.T) {
	userID := uuid.New()
	items := []*domain.DeviceListItem{
		{ID: uuid.New(), DeviceLabel: "Mac (macOS 14.2)", Trusted: true, LastUsedAt: time.Now()},
	}

	manager := &MockDeviceManager{
		ListDevicesFunc: func(ctx context.Context, uid uuid.UUID, fp string) ([]*domain.DeviceListItem, error) {
			if fp != "current-fp" {
				t.Errorf("current fingerprint = %q", fp)
			}
			return items, nil
		},
	}

	h := NewDeviceHandler(manager, testLogger(t))

	c, rec := setupTestContext(http.MethodGet, "/api/v1/users/me/devices", "")
	c.Request().Header.Set("X-Device-Fingerprint", "current-fp")
	c.Set(string(middleware.UserIDKey), userID)

	if err := h.ListDevices(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got []*domain.DeviceListItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].DeviceLabel != "Mac (macOS 14.2)" {
		t.Errorf("unexpected list: %+v", got)
	}
}

func TestRemoveDevice_InvalidID(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceManager{}, testLogger(t))

	c, _ := setupTestContext(http.MethodDelete, "/api/v1/users/me/devices/not-a-uuid", "")
	c.Set(string(middleware.UserIDKey), uuid.New())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.RemoveDevice(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got: %v", err)
	}
}

func TestExtendSession_ExpiredMapsToGone(t *testing.T) {
	leases := &MockLeaseManager{
		ExtendFunc: func(ctx context.Context, uid uuid.UUID, token string) error {
			return session.ErrLeaseExpired
		},
	}

	h := NewSessionHandler(leases, &MockChecker{}, testLogger(t))

	c, _ := setupTestContext(http.MethodPost, "/api/v1/sessions/extend",
		`{"session_token":"tok"}`)
	c.Set(string(middleware.UserIDKey), uuid.New())

	err := h.Extend(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGone {
		t.Fatalf("expected 410 for an expired lease, got: %v", err)
	}
}

func TestRevokeSession_NoContent(t *testing.T) {
	userID := uuid.New()
	revoked := false
	leases := &MockLeaseManager{
		RevokeFunc: func(ctx context.Context, uid uuid.UUID, token string) error {
			if uid != userID || token != "tok" {
				t.Errorf("revoke got (%s, %q)", uid, token)
			}
			revoked = true
			return nil
		},
	}

	h := NewSessionHandler(leases, &MockChecker{}, testLogger(t))

	c, rec := setupTestContext(http.MethodPost, "/api/v1/sessions/revoke",
		`{"session_token":"tok"}`)
	c.Set(string(middleware.UserIDKey), userID)

	if err := h.Revoke(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !revoked {
		t.Error("expected revoke to reach the lease manager")
	}
}

func TestCheckSession_ReportsOutcome(t *testing.T) {
	checker := &MockChecker{
		CheckSessionFunc: func(ctx context.Context, uid uuid.UUID, token string) (verify.Outcome, int) {
			return verify.OutcomeVerified, 1800
		},
	}

	h := NewSessionHandler(&MockLeaseManager{}, checker, testLogger(t))

	c, rec := setupTestContext(http.MethodPost, "/api/v1/sessions/check",
		`{"session_token":"tok"}`)
	c.Set(string(middleware.UserIDKey), uuid.New())

	if err := h.Check(c); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var resp SessionStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Verified || resp.SecondsRemaining != 1800 {
		t.Errorf("unexpected status: %+v", resp)
	}
}
