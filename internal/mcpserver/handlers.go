package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *TrustbookClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *TrustbookClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetBooking fetches a single booking.
func (h *Handlers) HandleGetBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.GetBooking(ctx, bookingID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get booking: %v", err)), nil
	}

	text, err := formatBooking(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleBookingHistory fetches the status history of a booking.
func (h *Handlers) HandleBookingHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.GetHistory(ctx, bookingID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListBookings lists bookings for a party.
func (h *Handlers) HandleListBookings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	if role != "customer" && role != "provider" {
		return mcp.NewToolResultError("role must be 'customer' or 'provider'"), nil
	}
	partyID := req.GetString("party_id", "")
	if partyID == "" {
		return mcp.NewToolResultError("party_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListBookings(ctx, role, partyID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bookings: %v", err)), nil
	}

	text, err := formatBookingList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bookings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleEscrowOperations inspects escrow operations for a booking.
func (h *Handlers) HandleEscrowOperations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.EscrowOperations(ctx, bookingID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow operations: %v", err)), nil
	}

	text, err := formatOperations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse operations: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateBooking requests a new booking as the configured customer.
func (h *Handlers) HandleCreateBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID := req.GetString("provider_id", "")
	if providerID == "" {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	basePrice := req.GetInt("base_price", 0)
	if basePrice <= 0 {
		return mcp.NewToolResultError("base_price must be a positive amount in minor token units"), nil
	}
	start := req.GetString("scheduled_start", "")
	end := req.GetString("scheduled_end", "")
	if start == "" || end == "" {
		return mcp.NewToolResultError("scheduled_start and scheduled_end are required"), nil
	}
	customerAddr := req.GetString("customer_addr", "")
	providerAddr := req.GetString("provider_addr", "")
	if customerAddr == "" || providerAddr == "" {
		return mcp.NewToolResultError("customer_addr and provider_addr are required"), nil
	}

	body := map[string]any{
		"customer_id":     h.client.cfg.ActorID,
		"provider_id":     providerID,
		"service_id":      serviceID,
		"base_price":      basePrice,
		"customer_addr":   customerAddr,
		"provider_addr":   providerAddr,
		"scheduled_start": start,
		"scheduled_end":   end,
	}
	if propertyAddr := req.GetString("property_addr", ""); propertyAddr != "" {
		body["property_addr"] = propertyAddr
	}

	raw, err := h.client.CreateBooking(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Booking request failed: %v", err)), nil
	}

	text, err := formatBooking(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}

	return mcp.NewToolResultText(
		"Booking requested. The provider must approve it before payment is due.\n\n" + text), nil
}

// HandleCancelBooking cancels a booking and reports the refund breakdown.
func (h *Handlers) HandleCancelBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.Act(ctx, bookingID, "cancel", map[string]any{"reason": reason})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancellation failed: %v", err)), nil
	}

	text, err := formatCancellation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse cancellation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePlatformInfo returns platform settlement configuration.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleReconcile triggers an escrow reconciliation pass.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReconcileResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBooking(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Booking might be at top level or nested under "booking"
	b := resp
	if nested, ok := resp["booking"].(map[string]any); ok {
		b = nested
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking %s\n", getString(b, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(b, "status"))
	fmt.Fprintf(&sb, "  Customer: %s | Provider: %s\n", getString(b, "customer_id"), getString(b, "provider_id"))
	fmt.Fprintf(&sb, "  Service: %s\n", getString(b, "service_id"))
	fmt.Fprintf(&sb, "  Scheduled: %s to %s\n", getString(b, "scheduled_start"), getString(b, "scheduled_end"))

	if quote, ok := getFloat(b, "quote_amount"); ok {
		fmt.Fprintf(&sb, "  Quote: %.0f (provider %s, property %s, platform %s)\n",
			quote,
			getString(b, "provider_payout"), getString(b, "property_payout"), getString(b, "platform_fee"))
	}
	if v := getString(b, "lock_tx_hash"); v != "" {
		fmt.Fprintf(&sb, "  Funds locked: %s\n", v)
	}
	if v, ok := getFloat(b, "settled_amount"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Settled: %.0f\n", v)
	}
	if v := getString(b, "cancelled_by"); v != "" {
		fmt.Fprintf(&sb, "  Cancelled by: %s", v)
		if reason := getString(b, "cancel_reason"); reason != "" {
			fmt.Fprintf(&sb, " (%s)", reason)
		}
		sb.WriteString("\n")
		if amt, ok := getFloat(b, "refund_amount"); ok {
			pct, _ := getFloat(b, "refund_percentage")
			fmt.Fprintf(&sb, "  Refund: %.0f (%.0f%%)\n", amt, pct)
		}
	}

	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		History []map[string]any `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.History) == 0 {
		return "No history entries found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status history (%d entries):\n\n", len(resp.History))
	for i, e := range resp.History {
		from := getString(e, "from_status")
		if from == "" {
			from = "(created)"
		}
		fmt.Fprintf(&sb, "%d. %s -> %s\n", i+1, from, getString(e, "to_status"))
		fmt.Fprintf(&sb, "   By: %s (%s) at %s\n",
			getString(e, "actor_id"), getString(e, "actor_role"), getString(e, "created_at"))
		if reason := getString(e, "reason"); reason != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", reason)
		}
	}
	return sb.String(), nil
}

func formatBookingList(raw json.RawMessage) (string, error) {
	var resp struct {
		Bookings []map[string]any `json:"bookings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Bookings) == 0 {
		return "No bookings found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d booking(s):\n\n", len(resp.Bookings))
	for i, b := range resp.Bookings {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(b, "id"), getString(b, "status"))
		fmt.Fprintf(&sb, "   Service: %s | Quote: %s\n", getString(b, "service_id"), getString(b, "quote_amount"))
		fmt.Fprintf(&sb, "   Scheduled: %s\n", getString(b, "scheduled_start"))
	}
	return sb.String(), nil
}

func formatOperations(raw json.RawMessage) (string, error) {
	var resp struct {
		Operations []map[string]any `json:"operations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Operations) == 0 {
		return "No escrow operations recorded for this booking.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow operations (%d):\n\n", len(resp.Operations))
	for i, op := range resp.Operations {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(op, "kind"), getString(op, "status"))
		fmt.Fprintf(&sb, "   Amount: %s | Created: %s\n", getString(op, "amount"), getString(op, "created_at"))
		if tx := getString(op, "tx_hash"); tx != "" {
			fmt.Fprintf(&sb, "   Tx: %s\n", tx)
		}
		if errMsg := getString(op, "error"); errMsg != "" {
			fmt.Fprintf(&sb, "   Error: %s\n", errMsg)
		}
	}
	return sb.String(), nil
}

func formatCancellation(raw json.RawMessage) (string, error) {
	var resp struct {
		Booking map[string]any `json:"booking"`
		Refund  map[string]any `json:"refund"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Booking cancelled.\n")
	if resp.Booking != nil {
		fmt.Fprintf(&sb, "  Booking: %s [%s]\n", getString(resp.Booking, "id"), getString(resp.Booking, "status"))
	}
	if resp.Refund != nil {
		amt, _ := getFloat(resp.Refund, "amount")
		pct, _ := getFloat(resp.Refund, "percentage")
		fmt.Fprintf(&sb, "  Refund: %.0f (%.0f%%)\n", amt, pct)
		if rationale := getString(resp.Refund, "rationale"); rationale != "" {
			fmt.Fprintf(&sb, "  Policy: %s\n", rationale)
		}
	}
	return sb.String(), nil
}

func formatReconcileResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Result == nil {
		return "Reconciliation pass completed.", nil
	}

	confirmed, _ := getFloat(resp.Result, "confirmed")
	failed, _ := getFloat(resp.Result, "failed")
	stillOpen, _ := getFloat(resp.Result, "still_open")
	return fmt.Sprintf(
		"Reconciliation pass completed.\n  Confirmed: %.0f\n  Failed: %.0f\n  Still open: %.0f\n",
		confirmed, failed, stillOpen), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, formatting numbers as integers.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
