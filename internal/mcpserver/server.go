package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Trustbook tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trustbook", "1.0.0")
	client := NewTrustbookClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetBooking, h.HandleGetBooking)
	s.AddTool(ToolBookingHistory, h.HandleBookingHistory)
	s.AddTool(ToolListBookings, h.HandleListBookings)
	s.AddTool(ToolEscrowOperations, h.HandleEscrowOperations)
	s.AddTool(ToolCreateBooking, h.HandleCreateBooking)
	s.AddTool(ToolCancelBooking, h.HandleCancelBooking)
	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)
	s.AddTool(ToolReconcileEscrow, h.HandleReconcile)

	return s
}
