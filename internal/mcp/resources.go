package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	servicesURI        = "relaygate://services"
	servicePrefixURI   = "relaygate://service/"
	serviceTemplateURI = servicePrefixURI + "{basePath}"
)

// registerResources adds read-only resources that clients can load into
// their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			servicesURI,
			"Gateway Services",
			mcp.WithResourceDescription(
				"Every service declaration of the route table in priority order, "+
					"with its base path, default access policy and sub-routes.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleServicesResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			serviceTemplateURI,
			"Gateway Service",
			mcp.WithTemplateDescription(
				"One service declaration, addressed by its base path without the "+
					"leading slash (percent-encode inner slashes).",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleServiceResource,
	)
}

func (s *MCPServer) handleServicesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	return jsonResource(servicesURI, s.routes.Table().Services())
}

func (s *MCPServer) handleServiceResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	raw := strings.TrimPrefix(uri, servicePrefixURI)
	if raw == "" || raw == uri {
		return nil, fmt.Errorf("invalid service URI %q: expected %s", uri, serviceTemplateURI)
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid service URI %q: %w", uri, err)
	}
	basePath := "/" + strings.TrimPrefix(name, "/")

	for _, svc := range s.routes.Table().Services() {
		if svc.BasePath == basePath {
			return jsonResource(uri, svc)
		}
	}
	return nil, fmt.Errorf("no service registered under %q (known: %v)", basePath, s.serviceKeys())
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
