// Trustbook MCP Server - Exposes Trustbook capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mkarlsso/trustbook/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("TRUSTBOOK_API_URL", "http://localhost:8080"),
		ActorID:   os.Getenv("TRUSTBOOK_ACTOR_ID"),
		ActorRole: envOrDefault("TRUSTBOOK_ACTOR_ROLE", "customer"),
	}

	if cfg.ActorID == "" {
		fmt.Fprintln(os.Stderr, "TRUSTBOOK_ACTOR_ID is required")
		os.Exit(1)
	}
	if cfg.ActorRole != "customer" && cfg.ActorRole != "provider" {
		fmt.Fprintln(os.Stderr, "TRUSTBOOK_ACTOR_ROLE must be 'customer' or 'provider'")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
