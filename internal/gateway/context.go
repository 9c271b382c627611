// Package gateway implements the request path of the gateway: the
// authentication middleware with silent token refresh, role guards for the
// gateway's own handlers, and the forwarder that proxies authorized requests
// to upstream services.
package gateway

import (
	"context"

	"github.com/relaygate/relaygate/internal/model"
)

type contextKey string

const identityKey contextKey = "gateway_identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// CurrentIdentity returns the identity attached to ctx, if any.
func CurrentIdentity(ctx context.Context) (*model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*model.Identity)
	return id, ok && id != nil
}

// CurrentRole returns the role of the identity attached to ctx, or the
// empty role for unauthenticated requests.
func CurrentRole(ctx context.Context) model.Role {
	if id, ok := CurrentIdentity(ctx); ok {
		return id.Role
	}
	return ""
}
