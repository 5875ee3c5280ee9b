package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/api/http/middleware"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
)

// ChallengeEvaluator scores a device challenge for a user.
type ChallengeEvaluator interface {
	Evaluate(ctx context.Context, userID uuid.UUID, challenge anchor.Challenge, requestID string) (*anchor.Response, error)
}

// ChallengeHandler serves the trust-anchor endpoint other wallet backends
// call. The route carries no JWT: callers are establishing identity, not
// holding it, so it relies on strict per-IP rate limiting instead.
type ChallengeHandler struct {
	challenges ChallengeEvaluator
	log        *logger.Logger
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(challenges ChallengeEvaluator, log *logger.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		challenges: challenges,
		log:        log.Named("challenge_handler"),
	}
}

// ChallengeRequest mirrors the wire format the anchor client sends
type ChallengeRequest struct {
	UserID    uuid.UUID        `json:"userId" validate:"required"`
	Challenge anchor.Challenge `json:"challenge"`
}

// Challenge handles POST /api/v1/device-challenge
func (h *ChallengeHandler) Challenge(c echo.Context) error {
	ctx := c.Request().Context()
	requestID := middleware.GetRequestIDFromEcho(c)

	var req ChallengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	// Score against the caller's observed address, never a self-reported one
	req.Challenge.IPAddress = c.RealIP()

	resp, err := h.challenges.Evaluate(ctx, req.UserID, req.Challenge, requestID)
	if err != nil {
		h.log.WithContext(ctx).Error("challenge evaluation failed",
			logger.RequestID(requestID),
			logger.UserID(req.UserID.String()),
			logger.ErrorField(err),
		)
		return handleServiceError(err)
	}

	return c.JSON(http.StatusOK, resp)
}
