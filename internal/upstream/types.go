// Package upstream manages client connections to upstream MCP tool servers:
// one Connection per server, one Manager per tenant, and a Pool of managers
// with inactivity eviction.
package upstream

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo describes one tool exposed by an upstream server.
type ToolInfo struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
}

// ToolEntry is one aggregated tool across a tenant's servers, addressable by
// its qualified key.
type ToolEntry struct {
	// Key is "<server name>:<tool name>" and is unique within a tenant.
	Key        string `json:"key"`
	ToolName   string `json:"tool_name"`
	ServerName string `json:"server_name"`
	ServerID   string `json:"server_id"`

	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
}

// Status is a point-in-time snapshot of one connection. Transport and auth
// failures surface here rather than as returned errors.
type Status struct {
	ServerID      string `json:"server_id"`
	ServerName    string `json:"server_name"`
	Connected     bool   `json:"connected"`
	LastError     string `json:"last_error,omitempty"`
	OAuthRequired bool   `json:"oauth_required"`
	ToolCount     int    `json:"tool_count"`
}
