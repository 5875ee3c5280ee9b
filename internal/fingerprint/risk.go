package fingerprint

import (
	"strings"
	"time"
)

// Risk weights. Additive, capped at 100.
const (
	riskTor             = 40
	riskBlacklistedIP   = 30
	riskVPN             = 20
	riskMobileNoTouch   = 15
	riskIncognito       = 10
	riskOffHours        = 10
	riskUnknownPlatform = 10

	riskCap = 100
)

// Off-hours window in the device's local time
const (
	offHoursStart = 2
	offHoursEnd   = 6
)

// scoreRisk computes the additive risk score for a collection. Hours are
// evaluated in the environment's timezone when it loads, otherwise in the
// collection clock's location.
func scoreRisk(env Environment, geo GeoInfo, browser, os string, now time.Time) int {
	score := 0

	if geo.IsTor || strings.Contains(env.UserAgent, "Tor") {
		score += riskTor
	}
	if geo.IsVPN {
		score += riskVPN
	}
	if env.Incognito {
		score += riskIncognito
	}
	if geo.Blacklisted {
		score += riskBlacklistedIP
	}

	hour := now.Hour()
	if loc, err := time.LoadLocation(env.Timezone); err == nil && env.Timezone != "" {
		hour = now.In(loc).Hour()
	}
	if hour >= offHoursStart && hour < offHoursEnd {
		score += riskOffHours
	}

	if isMobileUA(env.UserAgent) && !env.TouchSupport {
		score += riskMobileNoTouch
	}

	if browser == "Unknown" || os == "Unknown" {
		score += riskUnknownPlatform
	}

	if score > riskCap {
		score = riskCap
	}
	return score
}
