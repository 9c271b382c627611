package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v, rejecting unknown
// fields. The body is closed after decoding.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// basePathParam reads the {basePath} URL parameter. Multi-segment base
// paths arrive percent-encoded ("api%2Fv2"); the leading slash is optional.
func basePathParam(r *http.Request) string {
	v := chi.URLParam(r, "basePath")
	if u, err := url.PathUnescape(v); err == nil {
		v = u
	}
	return "/" + strings.TrimPrefix(v, "/")
}

// classifyError maps route management errors to HTTP status codes.
func classifyError(err error, fallbackMsg string) (int, string) {
	msg := fallbackMsg + ": " + err.Error()
	switch {
	case errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound, msg
	case errors.Is(err, routing.ErrUnknownService):
		return http.StatusNotFound, msg
	case errors.Is(err, routing.ErrInvalidRoute), errors.Is(err, service.ErrInvalidUpstream):
		return http.StatusBadRequest, msg
	case errors.Is(err, service.ErrStaticService):
		return http.StatusConflict, msg
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry"):
		return http.StatusConflict, msg
	default:
		return http.StatusInternalServerError, msg
	}
}
