package match

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testScorer(t *testing.T) *Scorer {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewScorer(Config{}, log, WithClock(func() time.Time { return testNow }))
}

// device with no incidental signal overlap against the zero candidate
func baseDevice() *domain.TrustedDeviceRecord {
	verified := testNow.Add(-90 * 24 * time.Hour)
	return &domain.TrustedDeviceRecord{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Fingerprint: strings.Repeat("a", 30),
		IPAddress:   "203.0.113.42",
		Browser:     "Chrome",
		// BrowserFull() == "Chrome 120"
		BrowserVersion:   "120",
		OS:               "macOS",
		OSVersion:        "14.2",
		ScreenResolution: "2560x1440",
		Timezone:         "America/New_York",
		Country:          "US",
		VerifiedAt:       &verified,
		LastUsedAt:       testNow.Add(-100 * 24 * time.Hour), // no recency points
	}
}

func TestScore_ZeroCandidates(t *testing.T) {
	result := testScorer(t).Score(Candidate{Fingerprint: "anything"}, nil)

	if result.Device != nil {
		t.Error("expected nil device")
	}
	if result.Score != 0 {
		t.Errorf("expected score 0, got %d", result.Score)
	}
	if result.Confidence != domain.ConfidenceLow {
		t.Errorf("expected low confidence, got %s", result.Confidence)
	}
	if result.CanAutoRecover {
		t.Error("expected CanAutoRecover=false")
	}
}

func TestScore_ConfidenceBoundaries(t *testing.T) {
	scorer := testScorer(t)

	tests := []struct {
		name           string
		candidate      Candidate
		device         *domain.TrustedDeviceRecord
		wantScore      int
		wantConfidence domain.Confidence
		wantAuto       bool
	}{
		{
			// fp exact (100) + ip exact (20) = 120
			name: "score 120 is high",
			candidate: Candidate{
				Fingerprint: strings.Repeat("a", 30),
				IPAddress:   "203.0.113.42",
			},
			device: func() *domain.TrustedDeviceRecord {
				d := baseDevice()
				d.Browser, d.BrowserVersion = "", ""
				d.OS, d.OSVersion = "", ""
				d.ScreenResolution, d.Timezone, d.Country = "", "", ""
				return d
			}(),
			wantScore:      120,
			wantConfidence: domain.ConfidenceHigh,
			wantAuto:       true,
		},
		{
			// fuzzy 28/30 -> floor(0.9333*90)=84, ip exact 20, os exact 15 = 119
			name: "score 119 is medium",
			candidate: Candidate{
				Fingerprint: strings.Repeat("a", 28) + "bb",
				IPAddress:   "203.0.113.42",
				OS:          "macOS",
				OSVersion:   "14.2",
			},
			device: func() *domain.TrustedDeviceRecord {
				d := baseDevice()
				d.Browser, d.BrowserVersion = "", ""
				d.ScreenResolution, d.Timezone, d.Country = "", "", ""
				return d
			}(),
			wantScore:      119,
			wantConfidence: domain.ConfidenceMedium,
			wantAuto:       false,
		},
		{
			// fuzzy 5/6 -> floor(0.8333*90)=75, timezone 5 = 80
			name: "score 80 is medium",
			candidate: Candidate{
				Fingerprint: "aaaaab",
				Timezone:    "America/New_York",
			},
			device: func() *domain.TrustedDeviceRecord {
				d := baseDevice()
				d.Fingerprint = "aaaaaa"
				d.IPAddress = ""
				d.Browser, d.BrowserVersion = "", ""
				d.OS, d.OSVersion = "", ""
				d.ScreenResolution, d.Country = "", ""
				return d
			}(),
			wantScore:      80,
			wantConfidence: domain.ConfidenceMedium,
			wantAuto:       false,
		},
		{
			// fuzzy 3/5 -> floor(0.6*90)=54, ip exact 20, timezone 5 = 79
			name: "score 79 is low",
			candidate: Candidate{
				Fingerprint: "aabba",
				IPAddress:   "203.0.113.42",
				Timezone:    "America/New_York",
			},
			device: func() *domain.TrustedDeviceRecord {
				d := baseDevice()
				d.Fingerprint = "aaaaa"
				d.Browser, d.BrowserVersion = "", ""
				d.OS, d.OSVersion = "", ""
				d.ScreenResolution, d.Country = "", ""
				return d
			}(),
			wantScore:      79,
			wantConfidence: domain.ConfidenceLow,
			wantAuto:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := scorer.Score(tt.candidate, []*domain.TrustedDeviceRecord{tt.device})
			if result.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", result.Score, tt.wantScore)
			}
			if result.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %s, want %s", result.Confidence, tt.wantConfidence)
			}
			if result.CanAutoRecover != tt.wantAuto {
				t.Errorf("canAutoRecover = %t, want %t", result.CanAutoRecover, tt.wantAuto)
			}
		})
	}
}

func TestScore_HighSimilarityDifferentCountry(t *testing.T) {
	// similarity 0.95 -> floor(85.5)=85, browser 15, os 15, resolution 10,
	// timezone 5, recency 10 = 140
	device := baseDevice()
	device.Fingerprint = strings.Repeat("a", 20)
	device.LastUsedAt = testNow.Add(-2 * 24 * time.Hour)
	device.Country = "US"

	candidate := Candidate{
		Fingerprint:      strings.Repeat("a", 19) + "b",
		IPAddress:        "198.51.100.7", // different network
		Country:          "DE",           // different country
		Browser:          "Chrome",
		BrowserVersion:   "120",
		OS:               "macOS",
		OSVersion:        "14.2",
		ScreenResolution: "2560x1440",
		Timezone:         "America/New_York",
	}

	result := testScorer(t).Score(candidate, []*domain.TrustedDeviceRecord{device})

	if result.Score != 140 {
		t.Errorf("score = %d, want 140", result.Score)
	}
	if result.Confidence != domain.ConfidenceHigh {
		t.Errorf("confidence = %s, want high", result.Confidence)
	}
	if !result.CanAutoRecover {
		t.Error("expected auto-recovery")
	}
	if result.Device == nil || result.Device.ID != device.ID {
		t.Error("expected the stored device as best match")
	}
}

func TestScore_LowSimilarityNothingElse(t *testing.T) {
	// similarity 0.3 -> floor(27)=27, nothing else matches
	device := baseDevice()
	device.Fingerprint = "aaaaaaaaaa"

	candidate := Candidate{
		Fingerprint:      "aaabbbbbbb",
		IPAddress:        "198.51.100.7",
		Country:          "DE",
		Browser:          "Firefox",
		BrowserVersion:   "121",
		OS:               "Windows",
		OSVersion:        "10.0",
		ScreenResolution: "1920x1080",
		Timezone:         "Europe/Berlin",
	}

	result := testScorer(t).Score(candidate, []*domain.TrustedDeviceRecord{device})

	if result.Score != 27 {
		t.Errorf("score = %d, want 27", result.Score)
	}
	if result.Confidence != domain.ConfidenceLow {
		t.Errorf("confidence = %s, want low", result.Confidence)
	}
}

func TestScore_MonotonicAsSignalsMatch(t *testing.T) {
	scorer := testScorer(t)
	device := baseDevice()

	// Start from a fully mismatched candidate and add matching signals one
	// at a time; the total must never decrease.
	steps := []func(*Candidate){
		func(c *Candidate) { c.Fingerprint = device.Fingerprint },
		func(c *Candidate) { c.Country = device.Country },
		func(c *Candidate) { c.IPAddress = device.IPAddress },
		func(c *Candidate) { c.Browser = device.Browser },
		func(c *Candidate) { c.BrowserVersion = device.BrowserVersion },
		func(c *Candidate) { c.OS = device.OS },
		func(c *Candidate) { c.OSVersion = device.OSVersion },
		func(c *Candidate) { c.ScreenResolution = device.ScreenResolution },
		func(c *Candidate) { c.Timezone = device.Timezone },
	}

	candidate := Candidate{
		Fingerprint: "zzzzzzzzzz",
		IPAddress:   "198.51.100.7",
	}
	prev := scorer.Score(candidate, []*domain.TrustedDeviceRecord{device}).Score

	for i, step := range steps {
		step(&candidate)
		got := scorer.Score(candidate, []*domain.TrustedDeviceRecord{device}).Score
		if got < prev {
			t.Errorf("step %d lowered the score: %d -> %d", i, prev, got)
		}
		prev = got
	}
}

func TestScore_PicksBestDevice(t *testing.T) {
	strong := baseDevice()
	weak := baseDevice()
	weak.Fingerprint = strings.Repeat("z", 30)
	weak.IPAddress = "198.51.100.9"
	weak.Browser = "Firefox"
	weak.OS = "Windows"

	candidate := Candidate{
		Fingerprint:      strong.Fingerprint,
		IPAddress:        strong.IPAddress,
		Browser:          "Chrome",
		BrowserVersion:   "120",
		OS:               "macOS",
		OSVersion:        "14.2",
		ScreenResolution: "2560x1440",
		Timezone:         "America/New_York",
	}

	result := testScorer(t).Score(candidate, []*domain.TrustedDeviceRecord{weak, strong})

	if result.Device == nil || result.Device.ID != strong.ID {
		t.Error("expected the stronger device to win")
	}
}

func TestScore_RecencyTiers(t *testing.T) {
	scorer := testScorer(t)

	fresh := baseDevice()
	fresh.LastUsedAt = testNow.Add(-1 * 24 * time.Hour)

	stale := baseDevice()
	stale.LastUsedAt = testNow.Add(-20 * 24 * time.Hour)

	old := baseDevice()
	old.LastUsedAt = testNow.Add(-60 * 24 * time.Hour)

	candidate := Candidate{Fingerprint: fresh.Fingerprint}

	freshScore := scorer.Score(candidate, []*domain.TrustedDeviceRecord{fresh}).Score
	staleScore := scorer.Score(candidate, []*domain.TrustedDeviceRecord{stale}).Score
	oldScore := scorer.Score(candidate, []*domain.TrustedDeviceRecord{old}).Score

	if freshScore-staleScore != 5 {
		t.Errorf("expected 5-point gap between <7d and <30d, got %d", freshScore-staleScore)
	}
	if staleScore-oldScore != 5 {
		t.Errorf("expected 5-point gap between <30d and older, got %d", staleScore-oldScore)
	}
}

func TestScorer_CustomThresholds(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	scorer := NewScorer(Config{HighThreshold: 60, MediumThreshold: 40}, log,
		WithClock(func() time.Time { return testNow }))

	device := baseDevice()
	device.Browser, device.BrowserVersion = "", ""
	device.OS, device.OSVersion = "", ""
	device.ScreenResolution, device.Timezone, device.Country = "", "", ""

	// fuzzy 5/6 -> 75 with nothing else: high under the custom policy
	device.Fingerprint = "aaaaaa"
	device.IPAddress = ""
	result := scorer.Score(Candidate{Fingerprint: "aaaaab"}, []*domain.TrustedDeviceRecord{device})

	if result.Confidence != domain.ConfidenceHigh {
		t.Errorf("confidence = %s, want high under 60/40 policy", result.Confidence)
	}
}
