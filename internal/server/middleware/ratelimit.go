package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/relaygate/relaygate/internal/model"
)

// RateLimit limits requests per client IP to requestsPerMinute using a
// sliding window. A non-positive limit disables it.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(tooManyRequests),
	)
}

// RateLimitByHeader limits requests per value of headerName, falling back
// to the client IP when the header is absent.
func RateLimitByHeader(headerName string, requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if v := r.Header.Get(headerName); v != "" {
				return v, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(tooManyRequests),
	)
}

func passthrough(next http.Handler) http.Handler { return next }

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, model.GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "Too many requests",
		Error:      http.StatusText(http.StatusTooManyRequests),
	})
}
