package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:    ts.URL,
		ActorID:   "cust_1",
		ActorRole: "customer",
	}
	client := NewTrustbookClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_ActorHeaders(t *testing.T) {
	var gotID, gotRole string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Actor-ID")
		gotRole = r.Header.Get("X-Actor-Role")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "prov_9f8e", ActorRole: "provider"})
	_, err := client.GetBooking(context.Background(), "bk_1")
	require.NoError(t, err)
	assert.Equal(t, "prov_9f8e", gotID)
	assert.Equal(t, "provider", gotRole)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "Only the provider can approve this booking",
		})
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "cust_1", ActorRole: "customer"})
	_, err := client.Act(context.Background(), "bk_1", "approve", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Only the provider can approve this booking")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "cust_1", ActorRole: "customer"})
	_, err := client.GetBooking(context.Background(), "bk_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewTrustbookClient(Config{APIURL: "http://127.0.0.1:1", ActorID: "cust_1", ActorRole: "customer"})
	_, err := client.GetBooking(context.Background(), "bk_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "cust_1", ActorRole: "customer"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetBooking(ctx, "bk_1")
	require.Error(t, err)
}

func TestClient_ListBookings_Paths(t *testing.T) {
	var gotPath, gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"bookings":[]}`))
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "cust_1", ActorRole: "customer"})

	_, err := client.ListBookings(context.Background(), "customer", "cust_1", 5)
	require.NoError(t, err)
	assert.Equal(t, "/v1/customers/cust_1/bookings", gotPath)
	assert.Equal(t, "5", gotLimit)

	_, err = client.ListBookings(context.Background(), "provider", "prov_1", 0)
	require.NoError(t, err)
	assert.Equal(t, "/v1/providers/prov_1/bookings", gotPath)
	assert.Empty(t, gotLimit, "limit=0 should not be sent")
}

func TestClient_Act_PathAndBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/bookings/bk_7/cancel", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "plans changed", m["reason"])

		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewTrustbookClient(Config{APIURL: ts.URL, ActorID: "cust_1", ActorRole: "customer"})
	_, err := client.Act(context.Background(), "bk_7", "cancel", map[string]any{"reason": "plans changed"})
	require.NoError(t, err)
}

// ============================================================
// Handler: get_booking
// ============================================================

func TestHandleGetBooking(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cust_1", r.Header.Get("X-Actor-ID"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"booking": map[string]any{
				"id": "bk_1", "status": "confirmed",
				"customer_id": "cust_1", "provider_id": "prov_1", "service_id": "svc_cleaning",
				"scheduled_start": "2026-09-15T14:00:00Z", "scheduled_end": "2026-09-15T16:00:00Z",
				"quote_amount": 10000.0, "platform_fee": 1000.0,
				"provider_payout": 7500.0, "property_payout": 1500.0,
				"lock_tx_hash": "0xabc123",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetBooking(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "bk_1")
	assert.Contains(t, text, "confirmed")
	assert.Contains(t, text, "10000")
	assert.Contains(t, text, "0xabc123")
}

func TestHandleGetBooking_MissingID(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))
	result, err := h.HandleGetBooking(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "booking_id is required")
}

func TestHandleGetBooking_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not_found", "message": "booking not found"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetBooking(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_gone",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "booking not found")
}

// ============================================================
// Handler: booking_history
// ============================================================

func TestHandleBookingHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]any{
				{"to_status": "requested", "actor_id": "cust_1", "actor_role": "customer", "created_at": "2026-09-01T10:00:00Z"},
				{"from_status": "requested", "to_status": "declined", "actor_id": "prov_1", "actor_role": "provider", "reason": "fully booked", "created_at": "2026-09-01T11:00:00Z"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleBookingHistory(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 entries")
	assert.Contains(t, text, "(created) -> requested")
	assert.Contains(t, text, "requested -> declined")
	assert.Contains(t, text, "fully booked")
}

func TestHandleBookingHistory_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"history": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleBookingHistory(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No history entries found")
}

// ============================================================
// Handler: list_bookings
// ============================================================

func TestHandleListBookings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/providers/prov_1/bookings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bookings": []map[string]any{
				{"id": "bk_2", "status": "confirmed", "service_id": "svc_a", "quote_amount": 5000.0, "scheduled_start": "2026-09-20T09:00:00Z"},
				{"id": "bk_1", "status": "settled", "service_id": "svc_b", "quote_amount": 10000.0, "scheduled_start": "2026-09-10T09:00:00Z"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListBookings(context.Background(), makeRequest(map[string]any{
		"role":     "provider",
		"party_id": "prov_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 booking(s)")
	assert.Contains(t, text, "bk_2")
	assert.Contains(t, text, "settled")
}

func TestHandleListBookings_BadRole(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))
	result, err := h.HandleListBookings(context.Background(), makeRequest(map[string]any{
		"role":     "admin",
		"party_id": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "role must be 'customer' or 'provider'")
}

func TestHandleListBookings_MissingParty(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))
	result, err := h.HandleListBookings(context.Background(), makeRequest(map[string]any{
		"role": "customer",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "party_id is required")
}

func TestHandleListBookings_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers/cust_1/bookings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"bookings": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListBookings(context.Background(), makeRequest(map[string]any{
		"role":     "customer",
		"party_id": "cust_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No bookings found")
}

// ============================================================
// Handler: escrow_operations
// ============================================================

func TestHandleEscrowOperations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/escrow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{
				{"kind": "lock", "status": "confirmed", "amount": 10000.0, "tx_hash": "0xlock", "created_at": "2026-09-01T10:00:00Z"},
				{"kind": "release", "status": "failed", "amount": 10000.0, "error": "rpc timeout", "created_at": "2026-09-02T10:00:00Z"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEscrowOperations(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "lock [confirmed]")
	assert.Contains(t, text, "0xlock")
	assert.Contains(t, text, "release [failed]")
	assert.Contains(t, text, "rpc timeout")
}

func TestHandleEscrowOperations_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/escrow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"operations": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEscrowOperations(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No escrow operations recorded")
}

// ============================================================
// Handler: create_booking
// ============================================================

func validCreateArgs() map[string]any {
	return map[string]any{
		"provider_id":     "prov_1",
		"service_id":      "svc_cleaning",
		"base_price":      float64(10000), // JSON numbers come as float64
		"customer_addr":   "0x1111111111111111111111111111111111111111",
		"provider_addr":   "0x2222222222222222222222222222222222222222",
		"scheduled_start": "2026-09-15T14:00:00Z",
		"scheduled_end":   "2026-09-15T16:00:00Z",
	}
}

func TestHandleCreateBooking(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "cust_1", m["customer_id"], "customer_id comes from the configured actor")
		assert.Equal(t, "prov_1", m["provider_id"])
		assert.Equal(t, float64(10000), m["base_price"])
		assert.NotContains(t, m, "property_addr")

		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"booking": map[string]any{"id": "bk_new", "status": "requested", "quote_amount": 10000.0},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateBooking(context.Background(), makeRequest(validCreateArgs()))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Booking requested")
	assert.Contains(t, text, "bk_new")
}

func TestHandleCreateBooking_MissingFields(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))

	tests := []struct {
		drop    string
		wantMsg string
	}{
		{"provider_id", "provider_id is required"},
		{"service_id", "service_id is required"},
		{"scheduled_start", "scheduled_start and scheduled_end are required"},
		{"customer_addr", "customer_addr and provider_addr are required"},
	}

	for _, tc := range tests {
		t.Run(tc.drop, func(t *testing.T) {
			args := validCreateArgs()
			delete(args, tc.drop)
			result, err := h.HandleCreateBooking(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tc.wantMsg)
		})
	}
}

func TestHandleCreateBooking_NonPositivePrice(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))
	args := validCreateArgs()
	args["base_price"] = float64(0)
	result, err := h.HandleCreateBooking(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "base_price must be a positive amount")
}

func TestHandleCreateBooking_PropertyAddrForwarded(t *testing.T) {
	var gotProperty string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings", func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		gotProperty, _ = m["property_addr"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"booking": map[string]any{"id": "bk_p", "status": "requested"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	args := validCreateArgs()
	args["property_addr"] = "0x3333333333333333333333333333333333333333"
	result, err := h.HandleCreateBooking(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", gotProperty)
}

func TestHandleCreateBooking_SlotConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "slot_unavailable", "message": "requested slot is not available",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCreateBooking(context.Background(), makeRequest(validCreateArgs()))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "requested slot is not available")
}

// ============================================================
// Handler: cancel_booking
// ============================================================

func TestHandleCancelBooking(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/cancel", func(w http.ResponseWriter, r *http.Request) {
		var m map[string]string
		_ = json.NewDecoder(r.Body).Decode(&m)
		assert.Equal(t, "plans changed", m["reason"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"booking": map[string]any{"id": "bk_1", "status": "cancelled"},
			"refund": map[string]any{
				"amount": 10000.0, "percentage": 100.0,
				"rationale": "cancelled more than 48h before start",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
		"reason":     "plans changed",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Booking cancelled")
	assert.Contains(t, text, "10000 (100%)")
	assert.Contains(t, text, "48h before start")
}

func TestHandleCancelBooking_MissingID(t *testing.T) {
	h := NewHandlers(NewTrustbookClient(Config{}))
	result, err := h.HandleCancelBooking(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "booking_id is required")
}

func TestHandleCancelBooking_TooLate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bookings/bk_1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "cannot_cancel", "message": "booking in state in_progress cannot be cancelled",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{
		"booking_id": "bk_1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "cannot be cancelled")
}

// ============================================================
// Handler: platform_info
// ============================================================

func TestHandlePlatformInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/platform", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"platform": "trustbook",
			"chain_id": 84532,
			"fees":     map[string]any{"platform_bps": 1000, "property_bps": 1500},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandlePlatformInfo(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "trustbook")
	assert.Contains(t, text, "84532")
}

func TestHandlePlatformInfo_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/platform", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unavailable", "message": "maintenance"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandlePlatformInfo(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "maintenance")
}

// ============================================================
// Handler: reconcile_escrow
// ============================================================

func TestHandleReconcile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/reconcile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"confirmed": 2, "failed": 1, "still_open": 3},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleReconcile(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Confirmed: 2")
	assert.Contains(t, text, "Failed: 1")
	assert.Contains(t, text, "Still open: 3")
}

func TestHandleReconcile_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/reconcile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal_error", "message": "Reconciliation failed"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleReconcile(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Reconciliation failed")
}

// ============================================================
// Formatting & parsing unit tests
// ============================================================

func TestFormatBooking_TopLevel(t *testing.T) {
	raw := json.RawMessage(`{"id":"bk_1","status":"requested","customer_id":"c","provider_id":"p","service_id":"s","quote_amount":5000}`)
	text, err := formatBooking(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "bk_1")
	assert.Contains(t, text, "5000")
}

func TestFormatBooking_CancelledWithRefund(t *testing.T) {
	raw := json.RawMessage(`{"booking":{"id":"bk_1","status":"cancelled","cancelled_by":"provider","cancel_reason":"sick","refund_amount":10000,"refund_percentage":100}}`)
	text, err := formatBooking(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "Cancelled by: provider (sick)")
	assert.Contains(t, text, "Refund: 10000 (100%)")
}

func TestFormatBooking_MalformedJSON(t *testing.T) {
	_, err := formatBooking(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatHistory_MalformedJSON(t *testing.T) {
	_, err := formatHistory(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatOperations_MalformedJSON(t *testing.T) {
	_, err := formatOperations(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatJSON_ValidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`{"a":1,"b":"two"}`))
	assert.Contains(t, result, "\"a\": 1")
	assert.Contains(t, result, "\"b\": \"two\"")
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`not json`))
	assert.Equal(t, "not json", result)
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, "bar", getString(m, "missing", "foo"))
	assert.Equal(t, "", getString(m, "missing1", "missing2"))
}

func TestGetString_NumericValue(t *testing.T) {
	m := map[string]any{"count": float64(42)}
	assert.Equal(t, "42", getString(m, "count"))
}

func TestGetFloat_Fallback(t *testing.T) {
	m := map[string]any{"score": 95.5}
	v, ok := getFloat(m, "missing", "score")
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)

	_, ok = getFloat(m, "missing1", "missing2")
	assert.False(t, ok)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures.
	// The failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewTrustbookClient(Config{
		APIURL:    "http://127.0.0.1:1", // unreachable
		ActorID:   "cust_1",
		ActorRole: "customer",
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"GetBooking", func() (*mcp.CallToolResult, error) {
			return h.HandleGetBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bk_1"}))
		}},
		{"BookingHistory", func() (*mcp.CallToolResult, error) {
			return h.HandleBookingHistory(context.Background(), makeRequest(map[string]any{"booking_id": "bk_1"}))
		}},
		{"ListBookings", func() (*mcp.CallToolResult, error) {
			return h.HandleListBookings(context.Background(), makeRequest(map[string]any{"role": "customer", "party_id": "cust_1"}))
		}},
		{"EscrowOperations", func() (*mcp.CallToolResult, error) {
			return h.HandleEscrowOperations(context.Background(), makeRequest(map[string]any{"booking_id": "bk_1"}))
		}},
		{"CreateBooking", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateBooking(context.Background(), makeRequest(validCreateArgs()))
		}},
		{"CancelBooking", func() (*mcp.CallToolResult, error) {
			return h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bk_1"}))
		}},
		{"PlatformInfo", func() (*mcp.CallToolResult, error) {
			return h.HandlePlatformInfo(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_Constructs(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", ActorID: "cust_1", ActorRole: "customer"})
	require.NotNil(t, s)
}
