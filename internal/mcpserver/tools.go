package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Trustbook MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetBooking = mcp.NewTool("get_booking",
	mcp.WithDescription(
		"Fetch a booking by ID. Returns the full booking record including status, "+
			"pricing split, schedule, and settlement details."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID (e.g. 'bk_1a2b3c4d')")),
)

var ToolBookingHistory = mcp.NewTool("booking_history",
	mcp.WithDescription(
		"Fetch the full status history of a booking, oldest first. "+
			"Shows every transition with the acting party and reason. "+
			"Use this to understand how a booking reached its current state."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID (e.g. 'bk_1a2b3c4d')")),
)

var ToolListBookings = mcp.NewTool("list_bookings",
	mcp.WithDescription(
		"List bookings for a customer or provider, newest first. "+
			"Use this to find active bookings before acting on them."),
	mcp.WithString("role",
		mcp.Required(),
		mcp.Description("Whose bookings to list: 'customer' or 'provider'"),
		mcp.Enum("customer", "provider")),
	mcp.WithString("party_id",
		mcp.Required(),
		mcp.Description("The customer or provider ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of bookings to return (default 20)")),
)

var ToolEscrowOperations = mcp.NewTool("escrow_operations",
	mcp.WithDescription(
		"Inspect the on-chain escrow operations recorded for a booking: "+
			"locks, releases, and refunds with their status and transaction hashes. "+
			"Use this to audit settlement or diagnose a stuck payment."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID (e.g. 'bk_1a2b3c4d')")),
)

var ToolCreateBooking = mcp.NewTool("create_booking",
	mcp.WithDescription(
		"Request a new service booking as the configured customer. "+
			"The provider must approve it before payment is due. "+
			"Amounts are in minor units of the settlement token (e.g. 1000000 = 1 USDC)."),
	mcp.WithString("provider_id",
		mcp.Required(),
		mcp.Description("The provider to book")),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("The provider's service being booked")),
	mcp.WithNumber("base_price",
		mcp.Required(),
		mcp.Description("Quoted base price in minor token units")),
	mcp.WithString("customer_addr",
		mcp.Required(),
		mcp.Description("Customer's settlement wallet address (0x...)")),
	mcp.WithString("provider_addr",
		mcp.Required(),
		mcp.Description("Provider's settlement wallet address (0x...)")),
	mcp.WithString("property_addr",
		mcp.Description("Optional property owner wallet for venue-based services")),
	mcp.WithString("scheduled_start",
		mcp.Required(),
		mcp.Description("Service start time, RFC 3339 (e.g. '2026-09-15T14:00:00Z')")),
	mcp.WithString("scheduled_end",
		mcp.Required(),
		mcp.Description("Service end time, RFC 3339")),
)

var ToolCancelBooking = mcp.NewTool("cancel_booking",
	mcp.WithDescription(
		"Cancel a booking as the configured actor. "+
			"Refunds follow the platform policy: providers cancelling always trigger "+
			"a full refund, customers get a time-based refund. "+
			"Returns the refund breakdown."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID to cancel")),
	mcp.WithString("reason",
		mcp.Description("Explanation for the cancellation")),
)

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Get Trustbook platform configuration: fee split, refund policy, "+
			"settlement chain, and escrow contract addresses."),
)

var ToolReconcileEscrow = mcp.NewTool("reconcile_escrow",
	mcp.WithDescription(
		"Run an escrow reconciliation pass: re-checks chain receipts for "+
			"operations that timed out with a known transaction hash and "+
			"settles them as confirmed or failed. Safe to run repeatedly; "+
			"it never re-sends a transaction."),
)
