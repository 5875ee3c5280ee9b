package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/api/http/middleware"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/verify"
)

// LeaseManager renews and revokes session leases.
type LeaseManager interface {
	Extend(ctx context.Context, userID uuid.UUID, token string) error
	Revoke(ctx context.Context, userID uuid.UUID, token string) error
}

// SessionChecker answers whether a lease is still live.
type SessionChecker interface {
	CheckSession(ctx context.Context, userID uuid.UUID, token string) (verify.Outcome, int)
}

// SessionHandler handles session lease requests
type SessionHandler struct {
	leases  LeaseManager
	checker SessionChecker
	log     *logger.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(leases LeaseManager, checker SessionChecker, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		leases:  leases,
		checker: checker,
		log:     log.Named("session_handler"),
	}
}

// SessionRequest carries the lease token for session endpoints
type SessionRequest struct {
	SessionToken string `json:"session_token" validate:"required"`
}

// SessionStatusResponse is the reply to a session check
type SessionStatusResponse struct {
	Outcome          verify.Outcome `json:"outcome"`
	Verified         bool           `json:"verified"`
	SecondsRemaining int            `json:"seconds_remaining"`
}

// Check handles POST /api/v1/sessions/check
func (h *SessionHandler) Check(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	outcome, remaining := h.checker.CheckSession(ctx, userID, req.SessionToken)

	return c.JSON(http.StatusOK, SessionStatusResponse{
		Outcome:          outcome,
		Verified:         outcome == verify.OutcomeVerified,
		SecondsRemaining: remaining,
	})
}

// Extend handles POST /api/v1/sessions/extend
func (h *SessionHandler) Extend(c echo.Context) error {
	ctx := c.Request().Context()
	requestID := middleware.GetRequestIDFromEcho(c)

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.leases.Extend(ctx, userID, req.SessionToken); err != nil {
		h.log.WithContext(ctx).Warn("failed to extend session",
			logger.RequestID(requestID),
			logger.UserID(userID.String()),
			logger.ErrorField(err),
		)
		return handleServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// Revoke handles POST /api/v1/sessions/revoke
func (h *SessionHandler) Revoke(c echo.Context) error {
	ctx := c.Request().Context()
	requestID := middleware.GetRequestIDFromEcho(c)

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.leases.Revoke(ctx, userID, req.SessionToken); err != nil {
		h.log.WithContext(ctx).Warn("failed to revoke session",
			logger.RequestID(requestID),
			logger.UserID(userID.String()),
			logger.ErrorField(err),
		)
		return handleServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}
