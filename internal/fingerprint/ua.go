package fingerprint

import (
	"regexp"
	"strings"
)

// User-agent parsing. Order matters: Chrome's UA contains "Safari", Edge's
// contains "Chrome", so Edge is checked before Chrome and Chrome before
// Safari.

var (
	chromeVersionRe  = regexp.MustCompile(`Chrome/(\d+)`)
	safariVersionRe  = regexp.MustCompile(`Version/(\d+)`)
	firefoxVersionRe = regexp.MustCompile(`Firefox/(\d+)`)
	edgeVersionRe    = regexp.MustCompile(`Edg/(\d+)`)

	macOSVersionRe   = regexp.MustCompile(`Mac OS X (\d+[._]\d+)`)
	windowsVersionRe = regexp.MustCompile(`Windows NT (\d+\.\d+)`)
	iosVersionRe     = regexp.MustCompile(`OS (\d+_\d+)`)
	androidVersionRe = regexp.MustCompile(`Android (\d+\.?\d*)`)
	iphoneOSRe       = regexp.MustCompile(`iPhone OS (\d+_\d+)`)
)

// windowsNames maps NT versions to marketing names
var windowsNames = map[string]string{
	"10.0": "10/11",
	"6.3":  "8.1",
	"6.2":  "8",
	"6.1":  "7",
}

// ParseBrowser extracts the browser family and major version from a user
// agent. Unknown browsers return ("Unknown", "Unknown").
func ParseBrowser(ua string) (name, version string) {
	switch {
	case strings.Contains(ua, "Edg"):
		return "Edge", firstMatch(edgeVersionRe, ua)
	case strings.Contains(ua, "Chrome"):
		return "Chrome", firstMatch(chromeVersionRe, ua)
	case strings.Contains(ua, "Firefox"):
		return "Firefox", firstMatch(firefoxVersionRe, ua)
	case strings.Contains(ua, "Safari"):
		return "Safari", firstMatch(safariVersionRe, ua)
	default:
		return "Unknown", "Unknown"
	}
}

// ParseOS extracts the operating system and version from a user agent
func ParseOS(ua string) (name, version string) {
	switch {
	// iOS UAs claim "like Mac OS X", so they are checked first
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iOS"):
		return "iOS", underscoreToDot(firstMatch(iosVersionRe, ua))
	case strings.Contains(ua, "Mac OS X"):
		return "macOS", underscoreToDot(firstMatch(macOSVersionRe, ua))
	case strings.Contains(ua, "Windows NT"):
		return "Windows", firstMatch(windowsVersionRe, ua)
	case strings.Contains(ua, "Android"):
		return "Android", firstMatch(androidVersionRe, ua)
	case strings.Contains(ua, "Linux"):
		return "Linux", "Unknown"
	default:
		return "Unknown", "Unknown"
	}
}

// DeviceLabel derives a human-readable device name from a user agent,
// e.g. "Mac (macOS 14.2)" or "iPhone (iOS 17.2)".
func DeviceLabel(ua string) string {
	switch {
	case strings.Contains(ua, "iPhone"):
		return "iPhone (iOS " + underscoreToDot(firstMatch(iphoneOSRe, ua)) + ")"
	case strings.Contains(ua, "iPad"):
		return "iPad (iPadOS " + underscoreToDot(firstMatch(iosVersionRe, ua)) + ")"
	case strings.Contains(ua, "Android"):
		return "Android Device (" + firstMatch(androidVersionRe, ua) + ")"
	case strings.Contains(ua, "Mac"):
		return "Mac (macOS " + underscoreToDot(firstMatch(macOSVersionRe, ua)) + ")"
	case strings.Contains(ua, "Windows NT"):
		nt := firstMatch(windowsVersionRe, ua)
		if name, ok := windowsNames[nt]; ok {
			nt = name
		}
		return "Windows PC (" + nt + ")"
	case strings.Contains(ua, "Linux"):
		return "Linux PC"
	default:
		return "Unknown Device"
	}
}

// isMobileUA reports whether the user agent claims to be a mobile device
func isMobileUA(ua string) bool {
	return strings.Contains(ua, "Mobile") ||
		strings.Contains(ua, "Android") ||
		strings.Contains(ua, "iPhone") ||
		strings.Contains(ua, "iPad")
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return "Unknown"
	}
	return m[1]
}

func underscoreToDot(s string) string {
	return strings.ReplaceAll(s, "_", ".")
}
