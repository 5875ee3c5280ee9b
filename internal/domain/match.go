package domain

// Confidence is the discretized output of the match score. It controls
// whether re-authentication is skipped, prompted, or required.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// MatchDetails records which signals contributed to a match score.
type MatchDetails struct {
	FingerprintSimilarity float64 `json:"fingerprint_similarity"`
	IPMatch               bool    `json:"ip_match"`
	BrowserMatch          bool    `json:"browser_match"`
	OSMatch               bool    `json:"os_match"`
	LocationMatch         bool    `json:"location_match"`
	RecentlyUsed          bool    `json:"recently_used"`
}

// MatchResult is the outcome of scoring a candidate against a user's
// verified devices. Derived per attempt, never persisted.
type MatchResult struct {
	Device         *TrustedDeviceRecord `json:"-"`
	Score          int                  `json:"score"` // 0-170
	Confidence     Confidence           `json:"confidence"`
	CanAutoRecover bool                 `json:"can_auto_recover"`
	MatchDetails   *MatchDetails        `json:"match_details,omitempty"`
}

// NoMatch is the result when there is nothing to score against.
func NoMatch() MatchResult {
	return MatchResult{Score: 0, Confidence: ConfidenceLow, CanAutoRecover: false}
}
