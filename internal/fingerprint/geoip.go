package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
)

// ErrGeoLookupFailed is returned when the geo-IP service cannot answer.
// Callers degrade to neutral geo data rather than failing collection.
var ErrGeoLookupFailed = errors.New("geo-ip lookup failed")

// GeoInfo is what the geo-IP service knows about an address
type GeoInfo struct {
	IPAddress   string  `json:"ip"`
	Country     string  `json:"country"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	IsTor       bool    `json:"isTor"`
	IsVPN       bool    `json:"isVPN"`
	Blacklisted bool    `json:"blacklisted"`
}

// NeutralGeo is the value used when the lookup degrades
func NeutralGeo(ip string) GeoInfo {
	return GeoInfo{
		IPAddress: ip,
		Country:   "Unknown",
		City:      "Unknown",
	}
}

// GeoResolver resolves an IP address to geo and reputation data
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (GeoInfo, error)
}

// HTTPGeoResolver calls an external geo-IP service over HTTP, wrapped in a
// circuit breaker so a dead service does not slow every collection down.
type HTTPGeoResolver struct {
	baseURL string
	client  *http.Client
	cb      *resilience.CircuitBreaker
	log     *logger.Logger
}

// NewHTTPGeoResolver creates a geo-IP client
func NewHTTPGeoResolver(baseURL string, timeout time.Duration, cb *resilience.CircuitBreaker, log *logger.Logger) *HTTPGeoResolver {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPGeoResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
		log:     log.Named("geoip_client"),
	}
}

// Resolve looks up an IP address. Any transport or decode failure maps to
// ErrGeoLookupFailed.
func (r *HTTPGeoResolver) Resolve(ctx context.Context, ip string) (GeoInfo, error) {
	result, err := r.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return r.lookup(ctx, ip)
	})
	if err != nil {
		r.log.Warn("geo-ip lookup degraded",
			logger.Operation("resolve"),
			logger.ErrorField(err))
		return GeoInfo{}, fmt.Errorf("%w: %v", ErrGeoLookupFailed, err)
	}
	return result.(GeoInfo), nil
}

func (r *HTTPGeoResolver) lookup(ctx context.Context, ip string) (GeoInfo, error) {
	endpoint := r.baseURL + "/ip-info?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GeoInfo{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return GeoInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GeoInfo{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var info GeoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return GeoInfo{}, err
	}
	if info.IPAddress == "" {
		info.IPAddress = ip
	}
	return info, nil
}
