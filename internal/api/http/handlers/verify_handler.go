package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blazewallet/device-trust/internal/api/http/middleware"
	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/fingerprint"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/verify"
)

// Verifier runs the layered verification chain.
type Verifier interface {
	Verify(ctx context.Context, req *verify.Request) (*verify.Verdict, error)
}

// FingerprintCollector derives a fingerprint from the client environment.
type FingerprintCollector interface {
	Collect(ctx context.Context, env fingerprint.Environment) (domain.Fingerprint, error)
}

// IdentityStore persists the server-side mirror of a device identity.
type IdentityStore interface {
	Set(ctx context.Context, ident domain.DeviceIdentity) error
}

// IdentityStores scopes identity persistence to one user for one request.
type IdentityStores func(userID uuid.UUID) IdentityStore

// VerifyHandler handles device verification requests
type VerifyHandler struct {
	verifier     Verifier
	fingerprints FingerprintCollector
	identities   IdentityStores
	log          *logger.Logger
}

// NewVerifyHandler creates a new verify handler. identities may be nil,
// in which case recovered identities are only returned to the client, not
// mirrored server-side.
func NewVerifyHandler(verifier Verifier, fingerprints FingerprintCollector, identities IdentityStores, log *logger.Logger) *VerifyHandler {
	return &VerifyHandler{
		verifier:     verifier,
		fingerprints: fingerprints,
		identities:   identities,
		log:          log.Named("verify_handler"),
	}
}

// VerifyRequest is the body of POST /api/v1/verify
type VerifyRequest struct {
	DeviceID     *uuid.UUID              `json:"device_id,omitempty"`
	SessionToken string                  `json:"session_token,omitempty"`
	Environment  fingerprint.Environment `json:"environment" validate:"required"`
}

// VerifyResponse is the verification verdict returned to the client
type VerifyResponse struct {
	Verified        bool                    `json:"verified"`
	Reason          string                  `json:"reason,omitempty"`
	DeviceID        *uuid.UUID              `json:"device_id,omitempty"`
	SessionToken    string                  `json:"session_token,omitempty"`
	MatchScore      *int                    `json:"match_score,omitempty"`
	SuggestedDevice *domain.SuggestedDevice `json:"suggested_device,omitempty"`
}

// Verify handles POST /api/v1/verify
func (h *VerifyHandler) Verify(c echo.Context) error {
	ctx := c.Request().Context()
	requestID := middleware.GetRequestIDFromEcho(c)

	userID, ok := middleware.GetUserIDFromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The client cannot be trusted to report its own address
	req.Environment.IPAddress = c.RealIP()

	fp, err := h.fingerprints.Collect(ctx, req.Environment)
	if err != nil {
		h.log.WithContext(ctx).Error("fingerprint collection failed",
			logger.RequestID(requestID),
			logger.UserID(userID.String()),
			logger.ErrorField(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	verdict, err := h.verifier.Verify(ctx, &verify.Request{
		UserID:       userID,
		RequestID:    requestID,
		DeviceID:     req.DeviceID,
		SessionToken: req.SessionToken,
		Fingerprint:  fp,
	})
	if err != nil {
		h.log.WithContext(ctx).Error("verification failed",
			logger.RequestID(requestID),
			logger.UserID(userID.String()),
			logger.ErrorField(err),
		)
		return handleServiceError(err)
	}

	// A verified verdict for a client that lost its identity recovered
	// which device this is; mirror that server-side so the recovery
	// survives even when the client fails to persist the response
	if verdict.Verified && req.DeviceID == nil && verdict.DeviceID != nil && h.identities != nil {
		restored := domain.DeviceIdentity{
			DeviceID:  *verdict.DeviceID,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.identities(userID).Set(ctx, restored); err != nil {
			h.log.WithContext(ctx).Warn("failed to mirror recovered identity",
				logger.RequestID(requestID),
				logger.UserID(userID.String()),
				logger.ErrorField(err),
			)
		}
	}

	resp := VerifyResponse{
		Verified:        verdict.Verified,
		DeviceID:        verdict.DeviceID,
		SessionToken:    verdict.SessionToken,
		MatchScore:      verdict.MatchScore,
		SuggestedDevice: verdict.SuggestedDevice,
	}
	if !verdict.Verified {
		resp.Reason = string(verdict.Outcome)
	}

	return c.JSON(http.StatusOK, resp)
}
