// Package anchor talks to the trust anchor: the remote authority that can
// short-circuit the local layered verification with a single verdict. The
// package carries both sides of the wire: the client the engine consumes,
// and the challenge policy the service exposes to act as an anchor itself.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/blazewallet/device-trust/internal/domain"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/resilience"
)

// Common errors
var (
	// ErrAnchorUnreachable means the anchor could not answer. The caller
	// falls through to the local layers; this is never a denial.
	ErrAnchorUnreachable = errors.New("trust anchor unreachable")
	// ErrAnchorDenied is the anchor's explicit low-confidence verdict.
	// Terminal for the attempt; the local layers must not override it.
	ErrAnchorDenied = errors.New("trust anchor denied device")
)

// Challenge is the signal bundle sent to the anchor
type Challenge struct {
	DeviceID         *uuid.UUID `json:"deviceId,omitempty"`
	Fingerprint      string     `json:"fingerprint"`
	IPAddress        string     `json:"ipAddress"`
	Timezone         string     `json:"timezone,omitempty"`
	Browser          string     `json:"browser,omitempty"`
	BrowserVersion   string     `json:"browserVersion,omitempty"`
	OS               string     `json:"os,omitempty"`
	OSVersion        string     `json:"osVersion,omitempty"`
	ScreenResolution string     `json:"screenResolution,omitempty"`
	Language         string     `json:"language,omitempty"`
}

// Response is the anchor's verdict
type Response struct {
	Trusted              bool                    `json:"trusted"`
	RequiresConfirmation bool                    `json:"requiresConfirmation,omitempty"`
	RequiresVerification bool                    `json:"requiresVerification,omitempty"`
	Confidence           domain.Confidence       `json:"confidence"`
	Score                int                     `json:"score"`
	DeviceID             *uuid.UUID              `json:"deviceId,omitempty"`
	SessionToken         string                  `json:"sessionToken,omitempty"`
	SuggestedDevice      *domain.SuggestedDevice `json:"suggestedDevice,omitempty"`
	MatchDetails         *PolicyDetails          `json:"matchDetails,omitempty"`
}

// Client calls a remote trust anchor over HTTP
type Client struct {
	baseURL string
	client  *http.Client
	cb      *resilience.CircuitBreaker
	log     *logger.Logger
}

// NewClient creates an anchor client
func NewClient(baseURL string, timeout time.Duration, cb *resilience.CircuitBreaker, log *logger.Logger) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
		log:     log.Named("anchor_client"),
	}
}

type challengeRequest struct {
	UserID    uuid.UUID `json:"userId"`
	Challenge Challenge `json:"challenge"`
}

// Challenge asks the anchor for a verdict. Transport trouble of any kind
// maps to ErrAnchorUnreachable; an explicit low-confidence verdict maps to
// ErrAnchorDenied with the response still attached.
func (c *Client) Challenge(ctx context.Context, userID uuid.UUID, challenge Challenge) (*Response, error) {
	result, err := c.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.post(ctx, userID, challenge)
	})
	if err != nil {
		c.log.Warn("trust anchor unreachable",
			logger.Operation("challenge"),
			logger.UserID(userID.String()),
			logger.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrAnchorUnreachable, err)
	}

	resp := result.(*Response)
	if !resp.Trusted && !resp.RequiresConfirmation {
		c.log.Info("trust anchor denied device",
			logger.Operation("challenge"),
			logger.UserID(userID.String()),
			logger.Score(resp.Score))
		return resp, ErrAnchorDenied
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, userID uuid.UUID, challenge Challenge) (*Response, error) {
	body, err := json.Marshal(challengeRequest{UserID: userID, Challenge: challenge})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/device-challenge", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
