package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves the operational endpoints: liveness, readiness and
// the status summary.
type SystemHandler struct {
	version   string
	started   time.Time
	checks    map[string]Pinger
	timeout   time.Duration
	rulesFunc func() int
}

// NewSystemHandler creates a SystemHandler. checks are probed by Readyz;
// rules reports the size of the route table for Status.
func NewSystemHandler(version string, checks map[string]Pinger, rules func() int) *SystemHandler {
	return &SystemHandler{
		version:   version,
		started:   time.Now(),
		checks:    checks,
		timeout:   3 * time.Second,
		rulesFunc: rules,
	}
}

// Status is the gateway's own health endpoint.
// GET /status
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.rulesFunc != nil {
		body["rules"] = h.rulesFunc()
	}
	writeJSON(w, http.StatusOK, body)
}

// Healthz is a liveness probe. Returns 200 if the process is running.
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz is a readiness probe. Returns 200 when every dependency answers,
// or 503 if any of them fails.
// GET /readyz
func (h *SystemHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(h.checks))

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
