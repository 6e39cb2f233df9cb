// Package crm integrates with the lead-management backend. The router's
// send_crm action submits collected FSM data through this client.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// LeadClient creates or updates CRM leads from collected user data.
type LeadClient interface {
	// CreateOrUpdateLead submits fields for the user. A zero leadID creates
	// a new lead; a non-zero one updates it. Returns the lead id, or 0 with
	// a nil error when the backend declined the lead (expected condition,
	// not a failure).
	CreateOrUpdateLead(ctx context.Context, userID int64, leadID int64, fields map[string]string) (int64, error)

	// HasActiveLead reports whether the backend already tracks an open lead
	// for the user.
	HasActiveLead(ctx context.Context, userID int64) (bool, error)

	// IsRegistered reports whether the user holds an account on the platform
	// the backend fronts.
	IsRegistered(ctx context.Context, userID int64) (bool, error)
}

type httpClient struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// NewClient creates an HTTP LeadClient against the configured backend.
// With an empty base URL the client declines every lead, which keeps the
// send_crm action a clean no-op in environments without a CRM.
func NewClient(logger *slog.Logger, baseURL, token string, timeout time.Duration) LeadClient {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "crm"),
		baseURL: baseURL,
		token:   token,
	}
}

type leadRequest struct {
	UserID int64             `json:"user_id"`
	LeadID int64             `json:"lead_id,omitempty"`
	Fields map[string]string `json:"fields"`
}

type leadResponse struct {
	LeadID int64 `json:"lead_id"`
}

func (c *httpClient) CreateOrUpdateLead(ctx context.Context, userID int64, leadID int64, fields map[string]string) (int64, error) {
	if c.baseURL == "" {
		c.logger.DebugContext(ctx, "crm disabled, declining lead", "user_id", userID)
		return 0, nil
	}

	payload, err := json.Marshal(leadRequest{UserID: userID, LeadID: leadID, Fields: fields})
	if err != nil {
		return 0, fmt.Errorf("failed to encode lead for user %d: %w", userID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/leads", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build lead request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to submit lead for user %d: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Backend reports an already-active lead; expected, not an error.
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("lead submission for user %d rejected: status %d: %s",
			userID, resp.StatusCode, string(body))
	}

	var lead leadResponse
	if err := json.NewDecoder(resp.Body).Decode(&lead); err != nil {
		return 0, fmt.Errorf("failed to decode lead response: %w", err)
	}
	return lead.LeadID, nil
}

func (c *httpClient) HasActiveLead(ctx context.Context, userID int64) (bool, error) {
	return c.userFlag(ctx, fmt.Sprintf("%s/api/v1/leads/active?user_id=%d", c.baseURL, userID))
}

func (c *httpClient) IsRegistered(ctx context.Context, userID int64) (bool, error) {
	return c.userFlag(ctx, fmt.Sprintf("%s/api/v1/users/registered?user_id=%d", c.baseURL, userID))
}

// userFlag queries a boolean per-user endpoint. 200 means yes, 404 means no.
func (c *httpClient) userFlag(ctx context.Context, url string) (bool, error) {
	if c.baseURL == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build crm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("unexpected crm status %d: %s", resp.StatusCode, string(body))
	}
}
