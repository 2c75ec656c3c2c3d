package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all wallet tools registered.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	client, err := NewWalletClient(cfg)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer("inferbroker", "1.0.0")
	h := NewHandlers(client)

	s.AddTool(ToolInitSession, h.HandleInitSession)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolListPendingOperations, h.HandleListPendingOperations)
	s.AddTool(ToolApproveOperation, h.HandleApproveOperation)
	s.AddTool(ToolCancelOperation, h.HandleCancelOperation)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)

	return s, nil
}
