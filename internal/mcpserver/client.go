package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Trustbook platform.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	ActorID   string // Acting party's ID, e.g. "cust_1a2b" or "prov_9f8e"
	ActorRole string // "customer" or "provider"
}

// TrustbookClient is a pure HTTP client for the Trustbook platform API.
type TrustbookClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewTrustbookClient creates a new client for the Trustbook platform.
func NewTrustbookClient(cfg Config) *TrustbookClient {
	return &TrustbookClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *TrustbookClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Actor-ID", c.cfg.ActorID)
	req.Header.Set("X-Actor-Role", c.cfg.ActorRole)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBooking fetches a single booking by ID.
func (c *TrustbookClient) GetBooking(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings/"+bookingID, nil, nil)
}

// GetHistory fetches the status history of a booking, oldest first.
func (c *TrustbookClient) GetHistory(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings/"+bookingID+"/history", nil, nil)
}

// ListBookings lists bookings for a customer or provider.
func (c *TrustbookClient) ListBookings(ctx context.Context, role, partyID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/customers/" + partyID + "/bookings"
	if role == "provider" {
		path = "/v1/providers/" + partyID + "/bookings"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// EscrowOperations fetches the recorded escrow operations for a booking.
func (c *TrustbookClient) EscrowOperations(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings/"+bookingID+"/escrow", nil, nil)
}

// CreateBooking requests a new booking.
func (c *TrustbookClient) CreateBooking(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings", nil, body)
}

// Act performs a lifecycle action on a booking (approve, decline,
// confirm-payment, start, complete, confirm, cancel).
func (c *TrustbookClient) Act(ctx context.Context, bookingID, action string, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings/"+bookingID+"/"+action, nil, body)
}

// PlatformInfo returns platform-wide settlement configuration.
func (c *TrustbookClient) PlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}

// Reconcile triggers an escrow reconciliation pass and returns its summary.
func (c *TrustbookClient) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil)
}
