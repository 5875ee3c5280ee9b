// Package match scores a live device environment against a user's verified
// devices. Every signal contributes an independent, capped, non-negative
// amount; the best-scoring device and a fixed-threshold confidence tier come
// back as one MatchResult.
package match

import (
	"time"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// Signal weights. Maximum attainable total is 170.
const (
	weightFingerprintExact = 100
	weightFingerprintFuzzy = 90 // scaled by similarity, floored
	weightIPExact          = 20
	weightSameCountry      = 10
	weightBrowserExact     = 15
	weightBrowserFamily    = 8
	weightOSExact          = 15
	weightOSFamily         = 8
	weightResolution       = 10
	weightTimezone         = 5
	weightRecent7d         = 10
	weightRecent30d        = 5
)

// Default confidence thresholds over the best score
const (
	DefaultHighThreshold   = 120
	DefaultMediumThreshold = 80
)

// Candidate is the live environment being scored
type Candidate struct {
	Fingerprint      string
	IPAddress        string
	Country          string
	Browser          string
	BrowserVersion   string
	OS               string
	OSVersion        string
	ScreenResolution string
	Timezone         string
}

// Config tunes the scorer's confidence thresholds. The zero value gets
// the defaults.
type Config struct {
	HighThreshold   int
	MediumThreshold int
}

// Scorer scores candidates against trusted device records
type Scorer struct {
	cfg Config
	now func() time.Time
	log *logger.Logger
}

// Option configures a Scorer
type Option func(*Scorer)

// WithClock overrides the time source used for recency
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a match scorer
func NewScorer(cfg Config, log *logger.Logger, opts ...Option) *Scorer {
	if cfg.HighThreshold == 0 {
		cfg.HighThreshold = DefaultHighThreshold
	}
	if cfg.MediumThreshold == 0 {
		cfg.MediumThreshold = DefaultMediumThreshold
	}
	s := &Scorer{
		cfg: cfg,
		now: time.Now,
		log: log.Named("match_scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score evaluates the candidate against each device and returns the best
// match with its confidence tier. Zero candidates short-circuits to the
// low-confidence no-match result.
func (s *Scorer) Score(candidate Candidate, devices []*domain.TrustedDeviceRecord) domain.MatchResult {
	if len(devices) == 0 {
		return domain.NoMatch()
	}

	now := s.now()

	var bestDevice *domain.TrustedDeviceRecord
	bestScore := 0
	var bestDetails *domain.MatchDetails

	for _, device := range devices {
		score, details := s.scoreDevice(candidate, device, now)

		s.log.Debug("scored device",
			logger.DeviceID(device.ID.String()),
			logger.Score(score))

		if score > bestScore {
			bestScore = score
			bestDevice = device
			bestDetails = details
		}
	}

	confidence, canAutoRecover := s.tier(bestScore)

	return domain.MatchResult{
		Device:         bestDevice,
		Score:          bestScore,
		Confidence:     confidence,
		CanAutoRecover: canAutoRecover,
		MatchDetails:   bestDetails,
	}
}

func (s *Scorer) scoreDevice(c Candidate, device *domain.TrustedDeviceRecord, now time.Time) (int, *domain.MatchDetails) {
	score := 0
	details := &domain.MatchDetails{}

	// Fingerprint: exact or scaled fuzzy, never both
	if device.Fingerprint == c.Fingerprint && c.Fingerprint != "" {
		score += weightFingerprintExact
		details.FingerprintSimilarity = 1.0
	} else {
		similarity := Similarity(device.Fingerprint, c.Fingerprint)
		score += int(similarity * weightFingerprintFuzzy)
		details.FingerprintSimilarity = similarity
	}

	// IP: exact beats same-country, mutually exclusive
	if device.IPAddress != "" && device.IPAddress == c.IPAddress {
		score += weightIPExact
		details.IPMatch = true
	} else if device.Country != "" && device.Country == c.Country {
		score += weightSameCountry
		details.LocationMatch = true
	}

	candidateBrowser := c.Browser
	if c.BrowserVersion != "" {
		candidateBrowser = c.Browser + " " + c.BrowserVersion
	}
	if device.BrowserFull() == candidateBrowser && candidateBrowser != "" {
		score += weightBrowserExact
		details.BrowserMatch = true
	} else if device.Browser != "" && device.Browser == c.Browser {
		score += weightBrowserFamily
	}

	candidateOS := c.OS
	if c.OSVersion != "" {
		candidateOS = c.OS + " " + c.OSVersion
	}
	if device.OSFull() == candidateOS && candidateOS != "" {
		score += weightOSExact
		details.OSMatch = true
	} else if device.OS != "" && device.OS == c.OS {
		score += weightOSFamily
	}

	if device.ScreenResolution != "" && device.ScreenResolution == c.ScreenResolution {
		score += weightResolution
	}

	if device.Timezone != "" && device.Timezone == c.Timezone {
		score += weightTimezone
	}

	if device.UsedWithinDays(now, 7) {
		score += weightRecent7d
		details.RecentlyUsed = true
	} else if device.UsedWithinDays(now, 30) {
		score += weightRecent30d
	}

	return score, details
}

func (s *Scorer) tier(score int) (domain.Confidence, bool) {
	switch {
	case score >= s.cfg.HighThreshold:
		return domain.ConfidenceHigh, true
	case score >= s.cfg.MediumThreshold:
		return domain.ConfidenceMedium, false
	default:
		return domain.ConfidenceLow, false
	}
}
