package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the admin API key principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// APIKeyHeader carries admin API keys.
const APIKeyHeader = "X-API-Key"

// KeyValidator validates admin API keys.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, rawKey string) (*service.APIKeyPrincipal, error)
}

// APIKeyAuth authenticates requests carrying an X-API-Key header. A valid
// key attaches an active ADMIN identity so the role guards further down the
// chain admit the request; an invalid key is rejected with 401. Requests
// without the header continue unchanged for session authentication.
func APIKeyAuth(keys KeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(APIKeyHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := keys.ValidateAPIKey(r.Context(), raw)
			if err != nil {
				msg := "Invalid API key"
				switch {
				case errors.Is(err, service.ErrKeyRevoked):
					msg = "API key has been revoked"
				case errors.Is(err, service.ErrTokenExpired):
					msg = "API key has expired"
				}
				logger.Warn("admin API key rejected", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{
					Error: model.ErrorDetail{Code: http.StatusUnauthorized, Message: msg},
				})
				return
			}

			id := &model.Identity{
				UserID:   "apikey:" + p.Prefix,
				Role:     model.RoleAdmin,
				IsActive: true,
			}
			ctx := gateway.WithIdentity(r.Context(), id)
			ctx = context.WithValue(ctx, AuthPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal returns the API key principal of the request, or nil for
// session-authenticated requests.
func GetPrincipal(ctx context.Context) *service.APIKeyPrincipal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.APIKeyPrincipal); ok {
		return p
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
