package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/service"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("wrap: %w", config.ErrNotFound), http.StatusNotFound},
		{"unknown service", fmt.Errorf("%w: /x", routing.ErrUnknownService), http.StatusNotFound},
		{"invalid route", fmt.Errorf("%w: bad", routing.ErrInvalidRoute), http.StatusBadRequest},
		{"invalid upstream", fmt.Errorf("%w: bad", service.ErrInvalidUpstream), http.StatusBadRequest},
		{"static service", fmt.Errorf("%w: /api", service.ErrStaticService), http.StatusConflict},
		{"unique", errors.New("UNIQUE constraint failed: upstreams.service_key"), http.StatusConflict},
		{"mysql duplicate", errors.New("Error 1062: Duplicate entry 'x' for key 'PRIMARY'"), http.StatusConflict},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := classifyError(tt.err, "Operation failed")
			if got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			if msg == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestBasePathParam(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"/services/billing", "/billing"},
		{"/services/api%2Fv2", "/api/v2"},
		{"/services/%2Fapi", "/api"},
	}
	for _, tt := range tests {
		var got string
		r := chi.NewRouter()
		r.Get("/services/{basePath}", func(w http.ResponseWriter, r *http.Request) {
			got = basePathParam(r)
		})
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.url, nil))
		if got != tt.want {
			t.Errorf("basePathParam(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
