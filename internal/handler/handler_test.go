package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/service"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store  *config.Store
	routes *service.RouteService
	router chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory config store,
// the built-in routes, and a Chi router with the admin API mounted (no auth
// middleware).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	urls := map[string]string{
		routing.ServiceAuth: "http://auth.internal:3001",
		routing.ServiceAPI:  "http://api.internal:3002",
	}
	routes := service.NewRouteService(service.RouteServiceConfig{
		Table:  routing.NewTable(routing.DefaultServices(), urls),
		Store:  store,
		Static: routing.DefaultServices(),
		URLs:   urls,
		Logger: logger,
	})
	if err := routes.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	rh := NewRoutesHandler(routes, logger)
	oh := NewOpenAPIHandler(routes.Table(), "test")

	r := chi.NewRouter()
	r.Route("/_gateway", func(r chi.Router) {
		r.Get("/me", rh.Me)
		r.Get("/routes", rh.ListRoutes)
		r.Post("/routes/resolve", rh.ResolveRoute)
		r.Get("/services", rh.ListServices)
		r.Post("/services", rh.RegisterService)
		r.Delete("/services/{basePath}", rh.DeleteService)
		r.Post("/services/{basePath}/routes", rh.AddSubRoute)
		r.Get("/upstreams", rh.ListUpstreams)
		r.Put("/upstreams/{key}", rh.PutUpstream)
		r.Delete("/upstreams/{key}", rh.DeleteUpstream)
		r.Get("/openapi.json", oh.ServeSpec)
	})

	return &testEnv{
		store:  store,
		routes: routes,
		router: r,
	}
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
