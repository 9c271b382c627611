package middleware

import (
	"context"
	"net/http"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/model"
)

const identityHolderKey contextKey = "identity_holder"

// identityHolder lets the logger see the identity attached further down the
// chain, after the authentication middleware derived a new context.
type identityHolder struct {
	userID string
	role   model.Role
}

func withIdentityHolder(ctx context.Context, h *identityHolder) context.Context {
	return context.WithValue(ctx, identityHolderKey, h)
}

// RecordIdentity copies the authenticated identity into the request log
// entry. Mount it after the authentication middleware.
func RecordIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := r.Context().Value(identityHolderKey).(*identityHolder); ok {
			if id, ok := gateway.CurrentIdentity(r.Context()); ok {
				h.userID = id.UserID
				h.role = id.Role
			}
		}
		next.ServeHTTP(w, r)
	})
}
