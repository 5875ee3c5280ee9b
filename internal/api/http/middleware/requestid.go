package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for the request ID
	RequestIDKey ContextKey = "request_id"
	// RequestIDHeader carries the request ID end to end. The same ID ends
	// up on log lines and on the security events a verification emits, so
	// one lookup correlates a login attempt across both.
	RequestIDHeader = "X-Request-ID"
)

// RequestID accepts a caller-supplied request ID or mints one. The wallet
// backend forwards its own IDs when it proxies verification calls; anything
// that does not look like an ID is replaced rather than trusted, since the
// value goes straight into structured logs.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get(RequestIDHeader)
			if requestID == "" || !plausibleRequestID(requestID) {
				requestID = uuid.New().String()
			}

			c.Response().Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(c.Request().Context(), RequestIDKey, requestID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(RequestIDKey), requestID)

			return next(c)
		}
	}
}

// plausibleRequestID bounds the shape of a forwarded request ID: UUIDs
// always pass, other tracing formats pass when they are plain identifier
// characters of a sane length. Everything else gets replaced.
func plausibleRequestID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return len(id) >= 16
}

// GetRequestID extracts the request ID from a context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRequestIDFromEcho extracts the request ID from the Echo context
func GetRequestIDFromEcho(c echo.Context) string {
	if id, ok := c.Get(string(RequestIDKey)).(string); ok {
		return id
	}
	return ""
}
