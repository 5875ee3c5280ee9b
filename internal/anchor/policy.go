package anchor

import (
	"strings"
	"time"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/match"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// Anchor-side signal weights. A device-ID hit is the primary identifier
// and yields the full score outright; everything else is secondary
// evidence summing to at most 100.
const (
	policyDeviceIDExact    = 100
	policyFingerprintExact = 50
	policyFingerprintFuzzy = 50 // scaled by similarity, floored
	policyIPExact          = 20
	policyIPPrefix         = 10
	policyBrowserExact     = 10
	policyBrowserFamily    = 5
	policyOSExact          = 10
	policyOSFamily         = 5
	policyTimezone         = 5
	policyResolution       = 5
	policyLanguage         = 3
	policyRecent7d         = 10
	policyRecent30d        = 5
)

// Default anchor thresholds. Deliberately independent from the local
// match scorer's 120/80 policy; the two are never assumed equivalent.
const (
	DefaultTrustedThreshold = 60
	DefaultConfirmThreshold = 40
)

// PolicyOutcome is the anchor's three-way verdict
type PolicyOutcome string

const (
	OutcomeTrusted      PolicyOutcome = "trusted"
	OutcomeConfirmation PolicyOutcome = "requires_confirmation"
	OutcomeDenied       PolicyOutcome = "denied"
)

// PolicyDetails records which signals contributed to the anchor score
type PolicyDetails struct {
	DeviceIDMatch         bool    `json:"deviceIdMatch"`
	FingerprintSimilarity float64 `json:"fingerprintSimilarity"`
	IPMatch               bool    `json:"ipMatch"`
	BrowserMatch          bool    `json:"browserMatch"`
	OSMatch               bool    `json:"osMatch"`
	TimezoneMatch         bool    `json:"timezoneMatch"`
}

// PolicyDecision is the evaluated verdict before any side effects
type PolicyDecision struct {
	Outcome   PolicyOutcome
	Score     int
	BestMatch *domain.TrustedDeviceRecord
	Details   *PolicyDetails
}

// PolicyConfig tunes the anchor thresholds. The zero value gets defaults.
type PolicyConfig struct {
	TrustedThreshold int
	ConfirmThreshold int
}

// Policy scores challenges against a user's trusted devices, server-side
type Policy struct {
	cfg PolicyConfig
	now func() time.Time
	log *logger.Logger
}

// PolicyOption configures a Policy
type PolicyOption func(*Policy)

// WithClock overrides the time source used for recency
func WithClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates the challenge policy
func NewPolicy(cfg PolicyConfig, log *logger.Logger, opts ...PolicyOption) *Policy {
	if cfg.TrustedThreshold == 0 {
		cfg.TrustedThreshold = DefaultTrustedThreshold
	}
	if cfg.ConfirmThreshold == 0 {
		cfg.ConfirmThreshold = DefaultConfirmThreshold
	}
	p := &Policy{
		cfg: cfg,
		now: time.Now,
		log: log.Named("anchor_policy"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate scores the challenge against each device and returns the
// decision. No side effects; the caller persists session and refresh
// updates for trusted outcomes.
func (p *Policy) Evaluate(challenge Challenge, devices []*domain.TrustedDeviceRecord) PolicyDecision {
	if len(devices) == 0 {
		return PolicyDecision{Outcome: OutcomeDenied, Score: 0}
	}

	now := p.now()

	var bestMatch *domain.TrustedDeviceRecord
	bestScore := 0
	var bestDetails *PolicyDetails

	for _, device := range devices {
		score, details := p.scoreDevice(challenge, device, now)
		if score > bestScore {
			bestScore = score
			bestMatch = device
			bestDetails = details
		}
	}

	outcome := OutcomeDenied
	switch {
	case bestScore >= p.cfg.TrustedThreshold:
		outcome = OutcomeTrusted
	case bestScore >= p.cfg.ConfirmThreshold:
		outcome = OutcomeConfirmation
	}

	p.log.Info("challenge evaluated",
		logger.Operation("evaluate"),
		logger.Score(bestScore),
		logger.Layer(string(outcome)))

	return PolicyDecision{
		Outcome:   outcome,
		Score:     bestScore,
		BestMatch: bestMatch,
		Details:   bestDetails,
	}
}

func (p *Policy) scoreDevice(c Challenge, device *domain.TrustedDeviceRecord, now time.Time) (int, *PolicyDetails) {
	details := &PolicyDetails{}

	// Device ID is the primary identifier: an exact hit is instant trust
	// and secondary signals are not consulted.
	if c.DeviceID != nil && device.DeviceID != nil && *device.DeviceID == *c.DeviceID {
		details.DeviceIDMatch = true
		details.FingerprintSimilarity = 1.0
		return policyDeviceIDExact, details
	}

	score := 0

	if device.Fingerprint == c.Fingerprint && c.Fingerprint != "" {
		score += policyFingerprintExact
		details.FingerprintSimilarity = 1.0
	} else {
		similarity := match.Similarity(device.Fingerprint, c.Fingerprint)
		score += int(similarity * policyFingerprintFuzzy)
		details.FingerprintSimilarity = similarity
	}

	if device.IPAddress != "" && device.IPAddress == c.IPAddress {
		score += policyIPExact
		details.IPMatch = true
	} else if sameIPPrefix(device.IPAddress, c.IPAddress) {
		score += policyIPPrefix
	}

	challengeBrowser := c.Browser
	if c.BrowserVersion != "" {
		challengeBrowser = c.Browser + " " + c.BrowserVersion
	}
	if device.BrowserFull() == challengeBrowser && challengeBrowser != "" {
		score += policyBrowserExact
		details.BrowserMatch = true
	} else if device.Browser != "" && device.Browser == c.Browser {
		score += policyBrowserFamily
	}

	challengeOS := c.OS
	if c.OSVersion != "" {
		challengeOS = c.OS + " " + c.OSVersion
	}
	if device.OSFull() == challengeOS && challengeOS != "" {
		score += policyOSExact
		details.OSMatch = true
	} else if device.OS != "" && device.OS == c.OS {
		score += policyOSFamily
	}

	if device.Timezone != "" && device.Timezone == c.Timezone {
		score += policyTimezone
		details.TimezoneMatch = true
	}

	if device.ScreenResolution != "" && device.ScreenResolution == c.ScreenResolution {
		score += policyResolution
	}

	if c.Language != "" && device.Language == c.Language {
		score += policyLanguage
	}

	if device.UsedWithinDays(now, 7) {
		score += policyRecent7d
	} else if device.UsedWithinDays(now, 30) {
		score += policyRecent30d
	}

	return score, details
}

// sameIPPrefix reports whether two IPv4 addresses share their first two
// octets (same ISP/region heuristic).
func sameIPPrefix(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	pa := strings.SplitN(a, ".", 3)
	pb := strings.SplitN(b, ".", 3)
	if len(pa) < 3 || len(pb) < 3 {
		return false
	}
	return pa[0] == pb[0] && pa[1] == pb[1]
}
