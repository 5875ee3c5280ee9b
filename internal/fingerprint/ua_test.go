package fingerprint

import "testing"

const (
	uaChromeMac   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaSafariMac   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15"
	uaFirefoxWin  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0"
	uaEdgeWin     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	uaIPhone      = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	uaAndroid     = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaLinuxChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func TestParseBrowser(t *testing.T) {
	tests := []struct {
		name        string
		ua          string
		wantName    string
		wantVersion string
	}{
		{"chrome on mac", uaChromeMac, "Chrome", "120"},
		{"safari on mac", uaSafariMac, "Safari", "17"},
		{"firefox on windows", uaFirefoxWin, "Firefox", "121"},
		{"edge not mistaken for chrome", uaEdgeWin, "Edge", "120"},
		{"android chrome", uaAndroid, "Chrome", "120"},
		{"empty", "", "Unknown", "Unknown"},
		{"garbage", "curl/8.4.0", "Unknown", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, version := ParseBrowser(tt.ua)
			if name != tt.wantName || version != tt.wantVersion {
				t.Errorf("ParseBrowser() = (%s, %s), want (%s, %s)",
					name, version, tt.wantName, tt.wantVersion)
			}
		})
	}
}

func TestParseOS(t *testing.T) {
	tests := []struct {
		name        string
		ua          string
		wantName    string
		wantVersion string
	}{
		{"macos", uaChromeMac, "macOS", "10.15"},
		{"windows", uaFirefoxWin, "Windows", "10.0"},
		{"ios", uaIPhone, "iOS", "17.2"},
		{"android", uaAndroid, "Android", "14"},
		{"linux", uaLinuxChrome, "Linux", "Unknown"},
		{"unknown", "curl/8.4.0", "Unknown", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, version := ParseOS(tt.ua)
			if name != tt.wantName || version != tt.wantVersion {
				t.Errorf("ParseOS() = (%s, %s), want (%s, %s)",
					name, version, tt.wantName, tt.wantVersion)
			}
		})
	}
}

func TestDeviceLabel(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"iphone", uaIPhone, "iPhone (iOS 17.2)"},
		{"android", uaAndroid, "Android Device (14)"},
		{"mac", uaChromeMac, "Mac (macOS 10.15)"},
		{"windows", uaFirefoxWin, "Windows PC (10/11)"},
		{"linux", uaLinuxChrome, "Linux PC"},
		{"unknown", "curl/8.4.0", "Unknown Device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeviceLabel(tt.ua); got != tt.want {
				t.Errorf("DeviceLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}
