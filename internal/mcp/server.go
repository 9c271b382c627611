package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/relaygate/relaygate/internal/service"
)

// MCPServer wraps the mcp-go server with the gateway's introspection tools
// and resources. Agents use it to see which service a path reaches and
// which roles may call it, without sending traffic through the gateway.
type MCPServer struct {
	routes  *service.RouteService
	logger  *slog.Logger
	server  *server.MCPServer
	version string
}

// NewMCPServer creates an MCPServer pre-loaded with all gateway tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(routes *service.RouteService, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		routes:  routes,
		logger:  logger,
		version: version,
	}

	mcpServer := server.NewMCPServer(
		"relaygate",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// it as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode on addr
// (e.g. ":8091").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
