package apierr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/model"
)

// now is replaced in tests.
var now = time.Now

// Write renders err as the gateway's JSON error response.
//
// 401 and 403 always carry timestamp and path. Upstream failures of any
// other kind relay the upstream body unchanged. Configuration errors are
// logged as operational problems.
func Write(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal("Internal server error", err)
	}
	status := e.Status()

	if logger != nil {
		switch e.Kind {
		case KindConfiguration:
			logger.Error("gateway misconfigured", "kind", e.Kind.String(), "error", e.Message, "path", r.URL.Path)
		case KindInternal:
			logger.Error("request failed", "kind", e.Kind.String(), "error", e.Error(), "path", r.URL.Path)
		case KindUnauthorized, KindForbidden:
			logger.Warn("request rejected", "status", status, "error", e.Message, "path", r.URL.Path)
		default:
			logger.Debug("request failed", "status", status, "error", e.Message, "path", r.URL.Path)
		}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		label := "Unauthorized"
		if status == http.StatusForbidden {
			label = "Forbidden"
		}
		writeJSON(w, status, model.GatewayError{
			StatusCode: status,
			Message:    e.Message,
			Error:      label,
			Timestamp:  now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Path:       r.URL.RequestURI(),
		})
		return
	}

	if len(e.Detail) > 0 {
		ct := e.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		w.Write(e.Detail)
		return
	}

	writeJSON(w, status, model.GatewayError{
		StatusCode: status,
		Message:    e.Message,
		Error:      http.StatusText(status),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
