package domain

import "time"

// RiskLevel is a coarse classification of a fingerprint risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// FingerprintSignals is the raw signal bundle a fingerprint is derived from.
// Each signal is individually weak; identity decisions always combine them.
type FingerprintSignals struct {
	Browser             string `json:"browser"`
	BrowserVersion      string `json:"browser_version"`
	OS                  string `json:"os"`
	OSVersion           string `json:"os_version"`
	ScreenResolution    string `json:"screen_resolution"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	TouchSupport        bool   `json:"touch_support"`
	IPAddress           string `json:"-"`
	Country             string `json:"country"`
	City                string `json:"city"`
	IsTor               bool   `json:"is_tor"`
	IsVPN               bool   `json:"is_vpn"`
}

// Fingerprint is the derived device description used for probabilistic
// recognition. VisitorID is a stable hash over the signal set; it is always
// derivable from the live environment, so it is never the sole source of
// truth for identity.
type Fingerprint struct {
	VisitorID   string             `json:"visitor_id"`
	Signals     FingerprintSignals `json:"signals"`
	RiskScore   int                `json:"risk_score"` // 0-100, additive point system
	Degraded    bool               `json:"degraded,omitempty"`
	CollectedAt time.Time          `json:"collected_at"`
}

// RiskLevelOf buckets a 0-100 risk score.
func RiskLevelOf(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskLevelCritical
	case score >= 50:
		return RiskLevelHigh
	case score >= 30:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// Preview returns a short, log-safe prefix of a fingerprint value.
func Preview(fingerprint string) string {
	const n = 12
	if len(fingerprint) <= n {
		return fingerprint
	}
	return fingerprint[:n] + "..."
}
