package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/server/middleware"
	"github.com/relaygate/relaygate/internal/service"
)

// RoutesHandler serves the route management API under /_gateway.
type RoutesHandler struct {
	routes *service.RouteService
	logger *slog.Logger
}

// NewRoutesHandler creates a new RoutesHandler.
func NewRoutesHandler(routes *service.RouteService, logger *slog.Logger) *RoutesHandler {
	return &RoutesHandler{routes: routes, logger: logger}
}

// meResponse describes the caller of the admin API.
type meResponse struct {
	model.Identity
	AuthMethod string `json:"authMethod"`
	KeyLabel   string `json:"keyLabel,omitempty"`
}

// Me returns the identity the request was authenticated as.
// GET /_gateway/me
func (h *RoutesHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := gateway.CurrentIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, gateway.MsgAuthRequired)
		return
	}
	resp := meResponse{Identity: *id, AuthMethod: "session"}
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		resp.AuthMethod = "api_key"
		resp.KeyLabel = p.Label
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRoutes returns the flattened rules in match order.
// GET /_gateway/routes?service=<key>
func (h *RoutesHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	filter := queryString(r, "service")

	rules := h.routes.Table().Rules()
	out := make([]model.RouteRule, 0, len(rules))
	for _, rule := range rules {
		if filter != "" && rule.ServiceKey != filter {
			continue
		}
		out = append(out, rule)
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: out,
		Meta: &model.ResponseMeta{
			Count:  len(out),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

type resolveRequest struct {
	Path   string `json:"path"`
	Method string `json:"method"`
	Role   string `json:"role"`
}

// ResolveRoute explains how the gateway would handle a request without
// sending one.
// POST /_gateway/routes/resolve
func (h *RoutesHandler) ResolveRoute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		writeError(w, http.StatusBadRequest, "path must start with /")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var role model.Role
	if req.Role != "" {
		parsed, err := model.ParseRole(req.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}

	writeJSON(w, http.StatusOK, h.routes.Table().Explain(req.Path, strings.ToUpper(req.Method), role))
}

// ListServices returns the effective service declarations in priority
// order.
// GET /_gateway/services
func (h *RoutesHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services := h.routes.Table().Services()
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: services,
		Meta:     &model.ResponseMeta{Count: len(services)},
	})
}

// RegisterService stores a service declaration and puts it ahead of all
// existing ones. A declaration for an existing base path replaces it.
// POST /_gateway/services
func (h *RoutesHandler) RegisterService(w http.ResponseWriter, r *http.Request) {
	var svc model.ServiceRoutes
	if err := readJSON(r, &svc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	saved, err := h.routes.RegisterService(r.Context(), svc)
	if err != nil {
		status, msg := classifyError(err, "Failed to register service")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// DeleteService removes a registered service.
// DELETE /_gateway/services/{basePath}
func (h *RoutesHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	basePath := basePathParam(r)
	if err := h.routes.RemoveService(r.Context(), basePath); err != nil {
		status, msg := classifyError(err, "Failed to remove service")
		writeError(w, status, msg, map[string]interface{}{"base_path": basePath})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"base_path": basePath,
	})
}

// AddSubRoute puts a sub-route ahead of the existing sub-routes of a
// service.
// POST /_gateway/services/{basePath}/routes
func (h *RoutesHandler) AddSubRoute(w http.ResponseWriter, r *http.Request) {
	basePath := basePathParam(r)
	var sub model.SubRoute
	if err := readJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	saved, err := h.routes.AddSubRoute(r.Context(), basePath, sub)
	if err != nil {
		status, msg := classifyError(err, "Failed to add sub-route")
		writeError(w, status, msg, map[string]interface{}{"base_path": basePath})
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// ListUpstreams returns the effective upstream URLs and where each comes
// from.
// GET /_gateway/upstreams
func (h *RoutesHandler) ListUpstreams(w http.ResponseWriter, r *http.Request) {
	ups, err := h.routes.Upstreams(r.Context())
	if err != nil {
		status, msg := classifyError(err, "Failed to list upstreams")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: ups,
		Meta:     &model.ResponseMeta{Count: len(ups)},
	})
}

type upstreamRequest struct {
	BaseURL string `json:"base_url"`
	Label   string `json:"label"`
}

// PutUpstream sets the base URL of a service key.
// PUT /_gateway/upstreams/{key}
func (h *RoutesHandler) PutUpstream(w http.ResponseWriter, r *http.Request) {
	var req upstreamRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	up := &model.Upstream{
		Key:     chi.URLParam(r, "key"),
		BaseURL: strings.TrimRight(req.BaseURL, "/"),
		Label:   req.Label,
	}
	if err := h.routes.PutUpstream(r.Context(), up); err != nil {
		status, msg := classifyError(err, "Failed to update upstream")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

// DeleteUpstream removes a stored upstream URL.
// DELETE /_gateway/upstreams/{key}
func (h *RoutesHandler) DeleteUpstream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.routes.DeleteUpstream(r.Context(), key); err != nil {
		status, msg := classifyError(err, "Failed to remove upstream")
		writeError(w, status, msg, map[string]interface{}{"key": key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"key":     key,
	})
}
