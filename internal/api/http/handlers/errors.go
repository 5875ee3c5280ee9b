package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/repository/postgres"
	"github.com/blazewallet/device-trust/internal/service"
	"github.com/blazewallet/device-trust/internal/session"
)

// handleServiceError converts service errors to HTTP errors
func handleServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	case errors.Is(err, session.ErrLeaseNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrLeaseExpired):
		return echo.NewHTTPError(http.StatusGone, "session expired")
	case errors.Is(err, postgres.ErrRepositoryUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
