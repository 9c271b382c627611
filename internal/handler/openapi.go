package handler

import (
	"net/http"

	"github.com/relaygate/relaygate/internal/openapi"
	"github.com/relaygate/relaygate/internal/routing"
)

// OpenAPIHandler serves an OpenAPI document generated from the live route
// table.
type OpenAPIHandler struct {
	table   *routing.Table
	version string
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(table *routing.Table, version string) *OpenAPIHandler {
	return &OpenAPIHandler{table: table, version: version}
}

// ServeSpec returns the route table as OpenAPI 3.1. The server URL is taken
// from the request so the document works behind proxies.
// GET /_gateway/openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	doc := openapi.Generate(h.table.Rules(), openapi.Info{
		Title:     "relaygate routes",
		Version:   h.version,
		ServerURL: scheme + "://" + r.Host,
	})
	writeJSON(w, http.StatusOK, doc)
}
