package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/internal/config"
	rmcp "github.com/relaygate/relaygate/internal/mcp"
	"github.com/relaygate/relaygate/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server with read-only tools over the route table:
gateway_list_routes, gateway_resolve_route and gateway_list_upstreams.

In stdio mode the server speaks JSON-RPC over stdin/stdout, for clients that launch it
as a subprocess. In HTTP mode it listens on --port using the Streamable HTTP transport.`,
		Example: `  relaygate mcp
  relaygate mcp --transport http --port 8091`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 8091, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(cmd *cobra.Command, transport string, port int) error {
	st := loadSettings(viper.GetViper())
	// stdout belongs to the protocol in stdio mode.
	logger := newLogger(os.Stderr, st.LogLevel, st.LogFormat, false)

	return withRoutes(cmd.Context(), func(_ *config.Store, routes *service.RouteService) error {
		srv := rmcp.NewMCPServer(routes, versionString(), logger)
		switch transport {
		case "stdio":
			return srv.ServeStdio()
		case "http":
			return srv.ServeHTTP(fmt.Sprintf(":%d", port))
		default:
			return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
		}
	})
}
