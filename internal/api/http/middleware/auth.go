package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Context keys for auth
const (
	UserIDKey  ContextKey = "user_id"
	SubjectKey ContextKey = "subject"
	ScopesKey  ContextKey = "scopes"
)

// Scopes the wallet backend grants on the tokens it issues. Listing and
// removing trusted devices and managing session leases are separate
// permissions so a read-only support token cannot revoke a user's devices.
const (
	ScopeDevicesRead    = "devices:read"
	ScopeDevicesWrite   = "devices:write"
	ScopeSessionsManage = "sessions:manage"
)

// Common errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrMissingAuth    = errors.New("missing authorization header")
	ErrInvalidSubject = errors.New("invalid subject in token")
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	PublicKey interface{} // RSA or ECDSA public key of the wallet backend
	Issuer    string
	Audiences []string
	SkipPaths []string // Paths exempt from auth (health, the anchor challenge)
}

// Claims are the JWT claims the wallet backend issues. The subject is the
// wallet user's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Auth validates the bearer token and puts the wallet user's identity and
// scopes on the request. Every verification and device-management route
// sits behind it; only the health checks and the anchor challenge (which
// establishes identity rather than holding it) are skipped.
func Auth(cfg AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			for _, skip := range cfg.SkipPaths {
				if strings.HasPrefix(path, skip) {
					return next(c)
				}
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrMissingAuth.Error())
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidToken.Error())
			}

			claims, err := parseClaims(parts[1], cfg)
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, ErrTokenExpired.Error())
				}
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidToken.Error())
			}

			// The subject must be the wallet user's UUID; anything else is
			// a token this service has no use for
			userID, err := uuid.Parse(claims.Subject)
			if err != nil || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidSubject.Error())
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, userID)
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)
			c.SetRequest(c.Request().WithContext(ctx))

			c.Set(string(UserIDKey), userID)
			c.Set(string(SubjectKey), claims.Subject)
			c.Set(string(ScopesKey), claims.Scopes)

			return next(c)
		}
	}
}

func parseClaims(tokenString string, cfg AuthConfig) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Asymmetric only. Accepting HS* against a public key would let
		// anyone mint tokens (algorithm confusion, CVE-2015-2951).
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
		case *jwt.SigningMethodRSAPSS:
		case *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, errors.New("invalid issuer")
	}

	if len(cfg.Audiences) > 0 {
		found := false
		for _, aud := range claims.Audience {
			for _, expected := range cfg.Audiences {
				if aud == expected {
					found = true
					break
				}
			}
		}
		if !found {
			return nil, errors.New("invalid audience")
		}
	}

	return claims, nil
}

// RequireScopes rejects tokens missing any of the required scopes.
func RequireScopes(requiredScopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scopes, ok := c.Get(string(ScopesKey)).([]string)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
			}

			scopeMap := make(map[string]bool)
			for _, s := range scopes {
				scopeMap[s] = true
			}
			for _, required := range requiredScopes {
				if !scopeMap[required] {
					return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
				}
			}

			return next(c)
		}
	}
}

// GetUserID extracts the wallet user ID from a request context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return id, ok
}

// GetUserIDFromEcho extracts the wallet user ID from the Echo context
func GetUserIDFromEcho(c echo.Context) (uuid.UUID, bool) {
	id, ok := c.Get(string(UserIDKey)).(uuid.UUID)
	return id, ok
}
