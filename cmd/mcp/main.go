// Inferbroker MCP Server - Exposes the broker's wallet-side surface as MCP
// tools so an LLM can review and approve delegated signing requests.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/inferbroker/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("INFERBROKER_API_URL", "http://localhost:8080"),
		WalletKey: os.Getenv("INFERBROKER_WALLET_KEY"),
	}

	if cfg.WalletKey == "" {
		fmt.Fprintln(os.Stderr, "INFERBROKER_WALLET_KEY is required")
		os.Exit(1)
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server setup error: %v\n", err)
		os.Exit(1)
	}
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
