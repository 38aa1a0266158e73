// Package availability implements the scheduling collaborator client:
// a booking is never created against a conflicting slot.
package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkarlsso/trustbook/internal/booking"
)

// HTTPChecker queries an external scheduling service over HTTP.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker creates a checker against the scheduling service at
// baseURL.
func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type checkRequest struct {
	ProviderID string           `json:"provider_id"`
	ServiceID  string           `json:"service_id"`
	Start      time.Time        `json:"start"`
	DurationS  int64            `json:"duration_seconds"`
	Location   booking.Location `json:"location"`
}

type checkResponse struct {
	Available    bool        `json:"available"`
	Conflicts    []string    `json:"conflicts"`
	Alternatives []time.Time `json:"alternatives"`
}

// Check asks the scheduling service whether the slot is free.
func (h *HTTPChecker) Check(ctx context.Context, providerID, serviceID string, start time.Time, duration time.Duration, loc booking.Location) (*booking.AvailabilityResult, error) {
	body, err := json.Marshal(checkRequest{
		ProviderID: providerID,
		ServiceID:  serviceID,
		Start:      start,
		DurationS:  int64(duration.Seconds()),
		Location:   loc,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/availability/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("availability service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("availability service returned %d", resp.StatusCode)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode availability response: %w", err)
	}

	return &booking.AvailabilityResult{
		Available:    out.Available,
		Conflicts:    out.Conflicts,
		Alternatives: out.Alternatives,
	}, nil
}

// AllowAll accepts every slot. Used when no scheduling service is
// configured (demo mode) and in tests.
type AllowAll struct{}

// Check always reports the slot as available.
func (AllowAll) Check(_ context.Context, _, _ string, _ time.Time, _ time.Duration, _ booking.Location) (*booking.AvailabilityResult, error) {
	return &booking.AvailabilityResult{Available: true}, nil
}

// Compile-time assertions against the orchestrator's dependency.
var (
	_ booking.AvailabilityChecker = (*HTTPChecker)(nil)
	_ booking.AvailabilityChecker = AllowAll{}
)
