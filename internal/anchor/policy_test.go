package anchor

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	return NewPolicy(PolicyConfig{}, testLogger(t),
		WithClock(func() time.Time { return testNow }))
}

// device with no incidental overlap and no recency points
func policyDevice() *domain.TrustedDeviceRecord {
	verified := testNow.Add(-90 * 24 * time.Hour)
	deviceID := uuid.New()
	return &domain.TrustedDeviceRecord{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		DeviceID:    &deviceID,
		Fingerprint: strings.Repeat("a", 50),
		IPAddress:   "203.0.113.42",
		VerifiedAt:  &verified,
		LastUsedAt:  testNow.Add(-100 * 24 * time.Hour),
	}
}

func TestEvaluate_DeviceIDIsInstantTrust(t *testing.T) {
	device := policyDevice()

	// Everything else mismatches; the device ID alone must carry it
	decision := testPolicy(t).Evaluate(Challenge{
		DeviceID:    device.DeviceID,
		Fingerprint: "completely-different",
		IPAddress:   "198.51.100.7",
	}, []*domain.TrustedDeviceRecord{device})

	if decision.Score != 100 {
		t.Errorf("score = %d, want 100", decision.Score)
	}
	if decision.Outcome != OutcomeTrusted {
		t.Errorf("outcome = %s, want trusted", decision.Outcome)
	}
	if decision.Details == nil || !decision.Details.DeviceIDMatch {
		t.Error("expected device id match detail")
	}
}

func TestEvaluate_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		challenge Challenge
		device    func() *domain.TrustedDeviceRecord
		wantScore int
		want      PolicyOutcome
	}{
		{
			// fp exact 50 + ip /16 prefix 10 = 60
			name: "score 60 is trusted",
			challenge: Challenge{
				Fingerprint: strings.Repeat("a", 50),
				IPAddress:   "203.0.99.1",
			},
			device:    policyDevice,
			wantScore: 60,
			want:      OutcomeTrusted,
		},
		{
			// fuzzy 49/50 chars -> floor(0.98*50)=49, + ip prefix 10 = 59
			name: "score 59 requires confirmation",
			challenge: Challenge{
				Fingerprint: strings.Repeat("a", 49) + "b",
				IPAddress:   "203.0.99.1",
			},
			device:    policyDevice,
			wantScore: 59,
			want:      OutcomeConfirmation,
		},
		{
			// fuzzy 4/5 chars -> floor(0.8*50)=40
			name: "score 40 requires confirmation",
			challenge: Challenge{
				Fingerprint: "aaaab",
				IPAddress:   "198.51.100.7",
			},
			device: func() *domain.TrustedDeviceRecord {
				d := policyDevice()
				d.Fingerprint = "aaaaa"
				return d
			},
			wantScore: 40,
			want:      OutcomeConfirmation,
		},
		{
			// fuzzy 39/50 -> 39
			name: "score 39 is denied",
			challenge: Challenge{
				Fingerprint: strings.Repeat("a", 39) + strings.Repeat("b", 11),
				IPAddress:   "198.51.100.7",
			},
			device:    policyDevice,
			wantScore: 39,
			want:      OutcomeDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := tt.device()
			challenge := tt.challenge
			challenge.DeviceID = nil

			decision := testPolicy(t).Evaluate(challenge, []*domain.TrustedDeviceRecord{device})
			if decision.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", decision.Score, tt.wantScore)
			}
			if decision.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", decision.Outcome, tt.want)
			}
		})
	}
}

func TestEvaluate_NoDevices(t *testing.T) {
	decision := testPolicy(t).Evaluate(Challenge{Fingerprint: "x"}, nil)

	if decision.Outcome != OutcomeDenied {
		t.Errorf("outcome = %s, want denied", decision.Outcome)
	}
	if decision.BestMatch != nil {
		t.Error("expected no best match")
	}
}

func TestEvaluate_SecondarySignals(t *testing.T) {
	device := policyDevice()
	device.Browser, device.BrowserVersion = "Chrome", "120"
	device.OS, device.OSVersion = "macOS", "14.2"
	device.Timezone = "America/New_York"
	device.ScreenResolution = "2560x1440"
	device.Language = "en-US"
	device.LastUsedAt = testNow.Add(-2 * 24 * time.Hour)

	// fp exact 50 + ip 20 + browser 10 + os 10 + tz 5 + res 5 + lang 3 +
	// recency 10 = 113, reported as-is even past the trusted threshold
	decision := testPolicy(t).Evaluate(Challenge{
		Fingerprint:      device.Fingerprint,
		IPAddress:        device.IPAddress,
		Browser:          "Chrome",
		BrowserVersion:   "120",
		OS:               "macOS",
		OSVersion:        "14.2",
		Timezone:         "America/New_York",
		ScreenResolution: "2560x1440",
		Language:         "en-US",
	}, []*domain.TrustedDeviceRecord{device})

	if decision.Score != 113 {
		t.Errorf("score = %d, want 113", decision.Score)
	}
	if decision.Outcome != OutcomeTrusted {
		t.Errorf("outcome = %s, want trusted", decision.Outcome)
	}
	if !decision.Details.IPMatch || !decision.Details.BrowserMatch || !decision.Details.OSMatch || !decision.Details.TimezoneMatch {
		t.Errorf("unexpected details: %+v", decision.Details)
	}
}

func TestSameIPPrefix(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"203.0.113.42", "203.0.99.1", true},
		{"203.0.113.42", "203.1.113.42", false},
		{"203.0.113.42", "198.51.100.7", false},
		{"", "203.0.113.42", false},
		{"not-an-ip", "203.0.113.42", false},
	}
	for _, tt := range tests {
		if got := sameIPPrefix(tt.a, tt.b); got != tt.want {
			t.Errorf("sameIPPrefix(%q, %q) = %t, want %t", tt.a, tt.b, got, tt.want)
		}
	}
}
