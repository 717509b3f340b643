package mcp

import (
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/mcp/handlers"
	"github.com/btouchard/larder/internal/notify"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Auth      auth.Backend
	Profiles  handlers.ProfileStore
	Notifier  notify.Notifier
	SurfaceID string
	Timeout   time.Duration
	Version   string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"Larder",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
