// Package fingerprint collects observable device signals into a stable
// fingerprint with an attached risk score. Collection composes user-agent
// parsing, screen and locale signals, and a geo-IP reputation lookup; any
// single source failing degrades that signal to neutral instead of failing
// the whole collection.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// CacheTTL bounds how often a fingerprint is recomputed
const CacheTTL = 24 * time.Hour

// Environment is the raw client environment a fingerprint is derived from.
// In service mode it arrives on the verify request; embedded callers build
// it from their host platform.
type Environment struct {
	UserAgent           string `json:"user_agent" validate:"required"`
	IPAddress           string `json:"ip_address,omitempty"`
	ScreenResolution    string `json:"screen_resolution,omitempty" validate:"omitempty,screen_resolution"`
	Timezone            string `json:"timezone,omitempty"`
	Language            string `json:"language,omitempty"`
	HardwareConcurrency int    `json:"hardware_concurrency,omitempty"`
	TouchSupport        bool   `json:"touch_support,omitempty"`
	Incognito           bool   `json:"incognito,omitempty"`
}

// Hasher turns the stable signal string into a visitor ID. Pluggable so
// the primitive's failure path is testable.
type Hasher func(signals string) (string, error)

func sha256Hasher(signals string) (string, error) {
	sum := sha256.Sum256([]byte(signals))
	return hex.EncodeToString(sum[:]), nil
}

// Provider collects fingerprints with a TTL cache in front
type Provider struct {
	cache Cache[string, domain.Fingerprint]
	geo   GeoResolver
	hash  Hasher
	now   func() time.Time
	log   *logger.Logger
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithClock overrides the time source
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// WithHasher overrides the visitor-ID primitive
func WithHasher(h Hasher) ProviderOption {
	return func(p *Provider) { p.hash = h }
}

// NewProvider creates a fingerprint provider
func NewProvider(cache Cache[string, domain.Fingerprint], geo GeoResolver, log *logger.Logger, opts ...ProviderOption) *Provider {
	p := &Provider{
		cache: cache,
		geo:   geo,
		hash:  sha256Hasher,
		now:   time.Now,
		log:   log.Named("fingerprint_provider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Collect returns the cached fingerprint for this environment when one is
// fresh, otherwise computes and caches a new one.
func (p *Provider) Collect(ctx context.Context, env Environment) (domain.Fingerprint, error) {
	key := cacheKey(env)

	if cached, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		p.log.Debug("using cached fingerprint",
			logger.Operation("collect"),
			logger.FingerprintPreview(cached.VisitorID))
		return cached, nil
	} else if err != nil {
		// Cache trouble is not collection trouble
		p.log.Warn("fingerprint cache read failed",
			logger.Operation("collect"),
			logger.ErrorField(err))
	}

	return p.refresh(ctx, key, env)
}

// ForceRefresh recomputes the fingerprint regardless of cache freshness
func (p *Provider) ForceRefresh(ctx context.Context, env Environment) (domain.Fingerprint, error) {
	return p.refresh(ctx, cacheKey(env), env)
}

func (p *Provider) refresh(ctx context.Context, key string, env Environment) (domain.Fingerprint, error) {
	fp := p.generate(ctx, env)

	if err := p.cache.Set(ctx, key, fp); err != nil {
		p.log.Warn("fingerprint cache write failed",
			logger.Operation("refresh"),
			logger.ErrorField(err))
	}
	return fp, nil
}

// generate builds the fingerprint from the live environment. Geo failure
// degrades to neutral data; only a failing hash primitive produces the
// synthetic fallback fingerprint.
func (p *Provider) generate(ctx context.Context, env Environment) domain.Fingerprint {
	now := p.now()
	degraded := false

	geo := NeutralGeo(env.IPAddress)
	if p.geo != nil && env.IPAddress != "" {
		resolved, err := p.geo.Resolve(ctx, env.IPAddress)
		if err != nil {
			degraded = true
		} else {
			geo = resolved
		}
	}

	browser, browserVersion := ParseBrowser(env.UserAgent)
	osName, osVersion := ParseOS(env.UserAgent)

	signals := domain.FingerprintSignals{
		Browser:             browser,
		BrowserVersion:      browserVersion,
		OS:                  osName,
		OSVersion:           osVersion,
		ScreenResolution:    env.ScreenResolution,
		Timezone:            env.Timezone,
		Language:            env.Language,
		HardwareConcurrency: env.HardwareConcurrency,
		TouchSupport:        env.TouchSupport,
		IPAddress:           env.IPAddress,
		Country:             geo.Country,
		City:                geo.City,
		IsTor:               geo.IsTor,
		IsVPN:               geo.IsVPN,
	}

	visitorID, err := p.hash(stableSignalString(env))
	if err != nil {
		// The one failure that cannot degrade per-signal: fall back to a
		// synthetic marker with zero risk, flagged for the caller.
		p.log.Error("fingerprint primitive failed, using fallback",
			logger.Operation("generate"),
			logger.ErrorField(err))
		return domain.Fingerprint{
			VisitorID:   "fallback-" + strconv.FormatInt(now.Unix(), 10),
			Signals:     signals,
			RiskScore:   0,
			Degraded:    true,
			CollectedAt: now,
		}
	}

	fp := domain.Fingerprint{
		VisitorID:   visitorID,
		Signals:     signals,
		RiskScore:   scoreRisk(env, geo, browser, osName, now),
		Degraded:    degraded,
		CollectedAt: now,
	}

	p.log.Info("fingerprint collected",
		logger.Operation("generate"),
		logger.FingerprintPreview(fp.VisitorID),
		logger.Score(fp.RiskScore))
	return fp
}

// cacheKey derives a stable cache key from the environment. The key hashes
// the same signal set the visitor ID does, so two environments share a
// cache entry only if they would fingerprint identically.
func cacheKey(env Environment) string {
	sum := sha256.Sum256([]byte(stableSignalString(env)))
	return "fp:" + hex.EncodeToString(sum[:16])
}

// stableSignalString serializes the signals that do not churn between
// sessions. IP and geo are deliberately excluded: they change with the
// network, and the match scorer weighs them separately.
func stableSignalString(env Environment) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%t",
		env.UserAgent,
		env.ScreenResolution,
		env.Timezone,
		env.Language,
		env.HardwareConcurrency,
		env.TouchSupport,
	)
}
