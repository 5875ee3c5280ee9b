package fingerprint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// MockGeoResolver is a mock for testing
type MockGeoResolver struct {
	ResolveFunc func(ctx context.Context, ip string) (GeoInfo, error)
	calls       int
}

func (m *MockGeoResolver) Resolve(ctx context.Context, ip string) (GeoInfo, error) {
	m.calls++
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, ip)
	}
	return NeutralGeo(ip), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testEnv() Environment {
	return Environment{
		UserAgent:           uaChromeMac,
		IPAddress:           "203.0.113.42",
		ScreenResolution:    "2560x1440",
		Timezone:            "America/New_York",
		Language:            "en-US",
		HardwareConcurrency: 8,
		TouchSupport:        false,
	}
}

func TestCollect_StableVisitorID(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, func() time.Time { return clock })
	provider := NewProvider(cache, &MockGeoResolver{}, testLogger(t),
		WithClock(func() time.Time { return clock }))

	first, err := provider.Collect(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	second, err := provider.Collect(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	if first.VisitorID != second.VisitorID {
		t.Errorf("visitor id not stable: %s vs %s", first.VisitorID, second.VisitorID)
	}
	if len(first.VisitorID) != 64 {
		t.Errorf("expected sha256 hex visitor id, got %q", first.VisitorID)
	}
}

func TestCollect_UsesCacheWithinTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, clock)
	geo := &MockGeoResolver{}
	provider := NewProvider(cache, geo, testLogger(t), WithClock(clock))

	if _, err := provider.Collect(context.Background(), testEnv()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if _, err := provider.Collect(context.Background(), testEnv()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	if geo.calls != 1 {
		t.Errorf("expected one geo lookup, got %d", geo.calls)
	}
}

func TestCollect_RecomputesAfterExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, clock)
	geo := &MockGeoResolver{}
	provider := NewProvider(cache, geo, testLogger(t), WithClock(clock))

	if _, err := provider.Collect(context.Background(), testEnv()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	now = now.Add(CacheTTL + time.Minute)

	if _, err := provider.Collect(context.Background(), testEnv()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if geo.calls != 2 {
		t.Errorf("expected recomputation after ttl, got %d geo lookups", geo.calls)
	}
}

func TestForceRefresh_BypassesCache(t *testing.T) {
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, nil)
	geo := &MockGeoResolver{}
	provider := NewProvider(cache, geo, testLogger(t))

	if _, err := provider.Collect(context.Background(), testEnv()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if _, err := provider.ForceRefresh(context.Background(), testEnv()); err != nil {
		t.Fatalf("force refresh failed: %v", err)
	}

	if geo.calls != 2 {
		t.Errorf("expected force refresh to recompute, got %d geo lookups", geo.calls)
	}
}

func TestCollect_GeoFailureDegradesToNeutral(t *testing.T) {
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, nil)
	geo := &MockGeoResolver{
		ResolveFunc: func(ctx context.Context, ip string) (GeoInfo, error) {
			return GeoInfo{}, ErrGeoLookupFailed
		},
	}
	provider := NewProvider(cache, geo, testLogger(t))

	fp, err := provider.Collect(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("collect should not fail on geo degradation: %v", err)
	}

	if !fp.Degraded {
		t.Error("expected degraded fingerprint")
	}
	if fp.Signals.Country != "Unknown" || fp.Signals.City != "Unknown" {
		t.Errorf("expected neutral geo, got %s/%s", fp.Signals.Country, fp.Signals.City)
	}
	if fp.Signals.IsTor || fp.Signals.IsVPN {
		t.Error("degraded geo must not set risk flags")
	}
}

func TestCollect_FallbackOnPrimitiveFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache[string, domain.Fingerprint](CacheTTL, nil)
	provider := NewProvider(cache, &MockGeoResolver{}, testLogger(t),
		WithClock(func() time.Time { return now }),
		WithHasher(func(string) (string, error) {
			return "", errors.New("primitive unavailable")
		}))

	fp, err := provider.Collect(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("collect should fall back, not fail: %v", err)
	}

	if !strings.HasPrefix(fp.VisitorID, "fallback-") {
		t.Errorf("expected fallback visitor id, got %q", fp.VisitorID)
	}
	if fp.RiskScore != 0 {
		t.Errorf("fallback fingerprint must carry zero risk, got %d", fp.RiskScore)
	}
	if !fp.Degraded {
		t.Error("fallback fingerprint must be marked degraded")
	}
}

func TestScoreRisk_Additive(t *testing.T) {
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		env  Environment
		geo  GeoInfo
		now  time.Time
		want int
	}{
		{
			name: "clean environment",
			env:  Environment{UserAgent: uaChromeMac, Timezone: "UTC"},
			geo:  NeutralGeo("203.0.113.42"),
			now:  noon,
			want: 0,
		},
		{
			name: "tor",
			env:  Environment{UserAgent: uaChromeMac, Timezone: "UTC"},
			geo:  GeoInfo{Country: "US", IsTor: true},
			now:  noon,
			want: 40,
		},
		{
			name: "vpn plus incognito",
			env:  Environment{UserAgent: uaChromeMac, Timezone: "UTC", Incognito: true},
			geo:  GeoInfo{Country: "US", IsVPN: true},
			now:  noon,
			want: 30,
		},
		{
			name: "blacklisted ip",
			env:  Environment{UserAgent: uaChromeMac, Timezone: "UTC"},
			geo:  GeoInfo{Country: "US", Blacklisted: true},
			now:  noon,
			want: 30,
		},
		{
			name: "off hours",
			env:  Environment{UserAgent: uaChromeMac, Timezone: "UTC"},
			geo:  GeoInfo{Country: "US"},
			now:  time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
			want: 10,
		},
		{
			name: "mobile ua without touch",
			env:  Environment{UserAgent: uaAndroid, Timezone: "UTC", TouchSupport: false},
			geo:  GeoInfo{Country: "US"},
			now:  noon,
			want: 15,
		},
		{
			name: "unknown browser and os",
			env:  Environment{UserAgent: "curl/8.4.0", Timezone: "UTC"},
			geo:  GeoInfo{Country: "US"},
			now:  noon,
			want: 10,
		},
		{
			name: "everything at once is capped",
			env:  Environment{UserAgent: "Tor Mobile something", Timezone: "UTC", Incognito: true},
			geo:  GeoInfo{IsTor: true, IsVPN: true, Blacklisted: true},
			now:  time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			browser, _ := ParseBrowser(tt.env.UserAgent)
			osName, _ := ParseOS(tt.env.UserAgent)
			got := scoreRisk(tt.env, tt.geo, browser, osName, tt.now)
			if got != tt.want {
				t.Errorf("scoreRisk() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRiskLevelBuckets(t *testing.T) {
	tests := []struct {
		score int
		want  domain.RiskLevel
	}{
		{0, domain.RiskLevelLow},
		{29, domain.RiskLevelLow},
		{30, domain.RiskLevelMedium},
		{49, domain.RiskLevelMedium},
		{50, domain.RiskLevelHigh},
		{69, domain.RiskLevelHigh},
		{70, domain.RiskLevelCritical},
		{100, domain.RiskLevelCritical},
	}

	for _, tt := range tests {
		if got := domain.RiskLevelOf(tt.score); got != tt.want {
			t.Errorf("RiskLevelOf(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
