package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// Logging emits one structured line per request. Almost everything this
// service handles is fingerprint or location material, so the access log
// carries hashes and identifiers only: IPs are hashed, the user agent is
// truncated, and request bodies never appear.
func Logging(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			requestID := GetRequestIDFromEcho(c)

			err := next(c)

			duration := time.Since(start)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			fields := []zap.Field{
				zap.String("request_id", requestID),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", duration.Milliseconds()),
				zap.String("remote_ip_hash", hashIPForLogging(c.RealIP())),
				zap.String("user_agent", truncateUA(req.UserAgent())),
				zap.Int64("bytes_in", req.ContentLength),
				zap.Int64("bytes_out", c.Response().Size),
			}

			// UUIDs are fine to log; they identify nothing outside our tables.
			if userID, ok := GetUserIDFromEcho(c); ok {
				fields = append(fields, zap.String("user_id", userID.String()))
			}

			if err != nil {
				fields = append(fields, zap.Error(err))
			}

			switch {
			case status >= 500:
				log.Error("request failed", fields...)
			case status >= 400:
				log.Warn("request error", fields...)
			default:
				log.Info("request completed", fields...)
			}

			return err
		}
	}
}

// hashIPForLogging hashes an IP for log correlation. Security events and
// rate limiting need the real address and get it through their own paths,
// not the access log.
func hashIPForLogging(ip string) string {
	h := sha256.New()
	h.Write([]byte(ip))
	hash := h.Sum(nil)
	// 16 hex chars correlates fine and cannot be reversed to an address.
	return hex.EncodeToString(hash)[:16]
}

// truncateUA bounds the logged user agent. The full string is fingerprint
// input and some clients send kilobytes of it.
func truncateUA(ua string) string {
	const max = 128
	if len(ua) <= max {
		return ua
	}
	return ua[:max]
}

// RecoveryLogging turns panics into logged 500s. The stack trace stays in
// the log line and never reaches the client.
func RecoveryLogging(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						zap.String("request_id", GetRequestIDFromEcho(c)),
						zap.Any("panic", r),
						zap.String("path", c.Request().URL.Path),
						zap.String("method", c.Request().Method),
						zap.String("stack_trace", string(debug.Stack())),
					)

					c.Error(echo.NewHTTPError(500, "internal server error"))
				}
			}()
			return next(c)
		}
	}
}
