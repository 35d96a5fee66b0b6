// Package mcpserver exposes the escrow listener's operator API as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/proofmint/notarylistener/internal/apiclient"
)

// Config holds the connection settings for the listener API.
type Config = apiclient.Config

// NewMCPServer creates a configured MCP server with all listener tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("notarylistener", version)
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolListenerStatus, h.HandleListenerStatus)
	s.AddTool(ToolListPending, h.HandleListPending)
	s.AddTool(ToolRegisterEscrow, h.HandleRegisterEscrow)
	s.AddTool(ToolReconnect, h.HandleReconnect)
	s.AddTool(ToolStopListener, h.HandleStopListener)
	s.AddTool(ToolDiagnose, h.HandleDiagnose)
	s.AddTool(ToolHealth, h.HandleHealth)

	return s
}
