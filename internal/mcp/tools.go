package mcp

import (
	"context"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/relaygate/relaygate/internal/model"
)

// registerTools registers the gateway tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("gateway_list_routes",
			mcp.WithDescription(
				"List the gateway's route rules in match order. Each rule maps a path "+
					"prefix to an upstream service key and states whether it is public, "+
					"which roles may call it, and which methods it applies to. The first "+
					"rule whose prefix and method match a request decides it.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service",
				mcp.Description("Only return rules for this service key (e.g. \"api\")"),
			),
		),
		s.handleListRoutes,
	)

	srv.AddTool(
		mcp.NewTool("gateway_resolve_route",
			mcp.WithDescription(
				"Explain how the gateway would handle a request: the matching rule, "+
					"whether the given role is admitted, and the upstream base URL, or the "+
					"404/403/500 error the caller would receive. Omit role to check "+
					"unauthenticated access. No request is sent.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Request path, optionally with a query string (e.g. \"/api/offers?preview=1\")"),
			),
			mcp.WithString("method",
				mcp.Description("HTTP method (default GET)"),
			),
			mcp.WithString("role",
				mcp.Description("Caller role: ADMIN, USER, ORGANIZER or BUSINESS"),
				mcp.Enum(roleNames()...),
			),
		),
		s.handleResolveRoute,
	)

	srv.AddTool(
		mcp.NewTool("gateway_list_upstreams",
			mcp.WithDescription(
				"List the upstream services the gateway forwards to: service key, base "+
					"URL, and whether the URL comes from configuration or was set at runtime.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListUpstreams,
	)
}

func roleNames() []string {
	names := make([]string, len(model.AllRoles))
	for i, r := range model.AllRoles {
		names[i] = string(r)
	}
	return names
}

// =========================================================================
// Tool handlers
// =========================================================================

func (s *MCPServer) handleListRoutes(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	filter := optionalString(request, "service")
	rules := s.routes.Table().Rules()
	out := make([]model.RouteRule, 0, len(rules))
	for _, r := range rules {
		if filter != "" && r.ServiceKey != filter {
			continue
		}
		out = append(out, r)
	}
	if filter != "" && len(out) == 0 {
		return toolError("No rules for service %q. Known services: %v", filter, s.serviceKeys())
	}
	return successJSON(out)
}

func (s *MCPServer) handleResolveRoute(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	path, err := requireString(request, "path")
	if err != nil {
		return toolError("%v", err)
	}
	if !strings.HasPrefix(path, "/") {
		return toolError("path %q must start with /", path)
	}

	method := strings.ToUpper(optionalString(request, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var role model.Role
	if raw := optionalString(request, "role"); raw != "" {
		role, err = model.ParseRole(raw)
		if err != nil {
			return toolError("%v. Valid roles: %v", err, roleNames())
		}
	}

	return successJSON(s.routes.Table().Explain(path, method, role))
}

func (s *MCPServer) handleListUpstreams(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ups, err := s.routes.Upstreams(ctx)
	if err != nil {
		return toolError("Failed to list upstreams: %v", err)
	}
	return successJSON(ups)
}

func (s *MCPServer) serviceKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, svc := range s.routes.Table().Services() {
		if !seen[svc.ServiceKey] {
			seen[svc.ServiceKey] = true
			keys = append(keys, svc.ServiceKey)
		}
	}
	return keys
}
