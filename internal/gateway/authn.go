package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
)

// Messages of the 401 responses written by the authenticator.
const (
	MsgAuthRequired   = "Authentication required. Please provide a valid access token."
	MsgInvalidToken   = "Invalid or expired token"
	MsgSessionExpired = "Session expired. Please login again."

	// TokenRefreshedHeader is set to "true" on responses to requests whose
	// credentials were silently refreshed.
	TokenRefreshedHeader = "X-Token-Refreshed"
)

// AuthConfig wires an Authenticator.
type AuthConfig struct {
	Validator   identity.Validator
	Refresher   identity.Refresher
	Routes      *routing.Table
	PublicPaths *routing.PublicPaths
	Cookies     CookieConfig
	Metrics     metrics.Gateway
	Logger      *slog.Logger
}

// Authenticator decides whether a request needs credentials, validates them,
// refreshes them when they are no longer accepted, and attaches the resulting
// identity to the request context.
type Authenticator struct {
	validator identity.Validator
	refresher identity.Refresher
	routes    *routing.Table
	public    *routing.PublicPaths
	cookies   CookieConfig
	metrics   metrics.Gateway
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator from cfg.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{
		validator: cfg.Validator,
		refresher: cfg.Refresher,
		routes:    cfg.Routes,
		public:    cfg.PublicPaths,
		cookies:   cfg.Cookies,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if a.metrics == nil {
		a.metrics = metrics.Noop{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Middleware returns the authentication middleware.
//
// Paths with dot segments are rejected with 400 before anything else. A
// request that already carries an identity (for example one authenticated
// by an admin API key) passes through untouched. Public requests continue
// without an identity. Otherwise the access token is validated; when that
// fails and a refresh token is present the credentials are refreshed once,
// new cookies are set, and the request continues with the new identity.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.RequestURI()
		if err := routing.CheckPath(target); err != nil {
			a.logger.Warn("rejected request path", "method", r.Method, "path", target)
			a.metrics.IncAuth(metrics.AuthRejected)
			apierr.Write(w, r, err, a.logger)
			return
		}

		if _, ok := CurrentIdentity(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		if a.isPublic(r.Method, target) {
			a.logger.Debug("auth bypass for public path", "method", r.Method, "path", target)
			a.metrics.IncAuth(metrics.AuthBypass)
			next.ServeHTTP(w, r)
			return
		}

		accessToken := extractAccessToken(r)
		refreshToken := cookieValue(r, identity.RefreshTokenCookie)

		if accessToken == "" && refreshToken == "" {
			a.reject(w, r, MsgAuthRequired)
			return
		}

		if accessToken != "" {
			id, err := a.validator.Validate(r.Context(), accessToken)
			if err == nil {
				r.Header.Set("Authorization", "Bearer "+accessToken)
				a.logger.Debug("request authenticated", "user_id", id.UserID, "role", id.Role)
				a.metrics.IncAuth(metrics.AuthValidated)
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
			if refreshToken == "" {
				a.reject(w, r, MsgInvalidToken)
				return
			}
			a.logger.Debug("access token rejected, attempting refresh",
				"error", err, "expired", errors.Is(err, identity.ErrTokenExpired))
		}

		a.refresh(w, r, next, refreshToken)
	})
}

func (a *Authenticator) refresh(w http.ResponseWriter, r *http.Request, next http.Handler, refreshToken string) {
	pair, err := a.refresher.Refresh(r.Context(), refreshToken)
	if err != nil {
		a.refreshFailed(w, r, err)
		return
	}
	id, err := a.validator.Validate(r.Context(), pair.AccessToken)
	if err != nil {
		a.logger.Warn("invalid token received after refresh", "error", err)
		a.refreshFailed(w, r, err)
		return
	}

	a.cookies.setTokens(w, pair)
	w.Header().Set(TokenRefreshedHeader, "true")
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	replaceTokenCookies(r, pair)

	a.logger.Debug("tokens refreshed", "user_id", id.UserID, "rotated", pair.Rotated)
	a.metrics.IncAuth(metrics.AuthRefreshed)
	next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
}

func (a *Authenticator) refreshFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Warn("token refresh failed", "error", err, "path", r.URL.Path)
	a.metrics.IncAuth(metrics.AuthRefreshFailed)
	a.cookies.clearTokens(w)
	apierr.Write(w, r, apierr.Unauthorized(MsgSessionExpired), a.logger)
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, msg string) {
	a.metrics.IncAuth(metrics.AuthRejected)
	apierr.Write(w, r, apierr.Unauthorized(msg), a.logger)
}

func (a *Authenticator) isPublic(method, target string) bool {
	if a.public.Match(method, target) {
		return true
	}
	return a.routes != nil && a.routes.IsOpen(target, method)
}

// extractAccessToken prefers the Authorization bearer token over the
// access token cookie.
func extractAccessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok
		}
	}
	return cookieValue(r, identity.AccessTokenCookie)
}

// RequireIdentity rejects requests without an identity with 401.
func RequireIdentity(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := CurrentIdentity(r.Context()); !ok {
				apierr.Write(w, r, apierr.Unauthorized("Authentication required"), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoles admits only identities holding one of roles. Requests
// without an identity are refused with 403 as well.
func RequireRoles(logger *slog.Logger, roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(roles) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := CurrentIdentity(r.Context())
			if !ok {
				apierr.Write(w, r, apierr.Forbidden("Access denied. Authentication required."), logger)
				return
			}
			if !model.HasRole(roles, id.Role) {
				apierr.Write(w, r, apierr.Forbidden("Access denied. Required role(s): "+model.JoinRoles(roles)), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireActive refuses identities whose account is not activated.
func RequireActive(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := CurrentIdentity(r.Context())
			if !ok {
				apierr.Write(w, r, apierr.Forbidden("Access denied. Authentication required."), logger)
				return
			}
			if !id.IsActive {
				apierr.Write(w, r, apierr.Forbidden("Access denied. Your account is not activated."), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
