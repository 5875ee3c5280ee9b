package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/api/http/middleware"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// DeviceManager lists and removes a user's trusted devices.
type DeviceManager interface {
	ListDevices(ctx context.Context, userID uuid.UUID, currentFingerprint string) ([]*domain.DeviceListItem, error)
	RemoveDevice(ctx context.Context, userID, recordID uuid.UUID, requestID string) error
}

// DeviceHandler handles trusted-device management requests
type DeviceHandler struct {
	devices DeviceManager
	log     *logger.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices DeviceManager, log *logger.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		log:     log.Named("device_handler"),
	}
}

// ListDevices handles GET /api/v1/users/me/devices
func (h *DeviceHandler) ListDevices(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	// Lets the list mark the device making the request
	currentFingerprint := c.Request().Header.Get("X-Device-Fingerprint")

	devices, err := h.devices.ListDevices(ctx, userID, currentFingerprint)
	if err != nil {
		h.log.WithContext(ctx).Error("failed to list devices", logger.ErrorField(err))
		return handleServiceError(err)
	}

	return c.JSON(http.StatusOK, devices)
}

// RemoveDevice handles DELETE /api/v1/users/me/devices/:id
func (h *DeviceHandler) RemoveDevice(c echo.Context) error {
	ctx := c.Request().Context()
	requestID := middleware.GetRequestIDFromEcho(c)

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid device ID")
	}

	err = h.devices.RemoveDevice(ctx, userID, recordID, requestID)
	if err != nil {
		h.log.WithContext(ctx).Error("failed to remove device", logger.ErrorField(err))
		return handleServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}
