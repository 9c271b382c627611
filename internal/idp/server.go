// Package idp is a small identity service for local development and
// end-to-end tests. It speaks the protocol the gateway's identity client
// expects: login sets token cookies, validate resolves a token to a user,
// refresh issues a new access token for a stored refresh token and logout
// revokes every token of the user.
package idp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relaygate/relaygate/internal/identity"
)

// Config wires a Server.
type Config struct {
	Users        *Directory
	Issuer       *Issuer
	SecureCookie bool
	Logger       *slog.Logger
}

type storedRefresh struct {
	token  string
	expiry time.Time
}

// Server serves the /auth endpoints.
type Server struct {
	users  *Directory
	issuer *Issuer
	secure bool
	logger *slog.Logger

	mu      sync.Mutex
	refresh map[string]storedRefresh
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Users == nil {
		cfg.Users = NewDirectory()
	}
	return &Server{
		users:   cfg.Users,
		issuer:  cfg.Issuer,
		secure:  cfg.SecureCookie,
		logger:  cfg.Logger,
		refresh: make(map[string]storedRefresh),
	}
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/validate", s.handleValidate)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})
	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	u, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		s.logger.Info("login rejected", "email", req.Email)
		writeFailure(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	access, err := s.issuer.AccessToken(u)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	refresh, err := s.issuer.RefreshToken(u)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	s.storeRefresh(u.ID, refresh)

	s.setCookie(w, identity.RefreshTokenCookie, refresh, s.issuer.refreshTTL)
	s.setCookie(w, identity.AccessTokenCookie, access, s.issuer.accessTTL)
	s.logger.Info("login", "user_id", u.ID, "role", u.Role)
	writeJSON(w, http.StatusOK, map[string]string{"userId": u.ID, "message": "Login successful"})
}

type validateRequest struct {
	Token string `json:"token"`
}

type userView struct {
	ID       string `json:"_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"isActive"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	claims, err := s.issuer.Parse(req.Token)
	if err != nil {
		if errors.Is(err, errTokenExpired) {
			writeFailure(w, http.StatusUnauthorized, "Token has expired")
			return
		}
		writeFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	u, err := s.users.Get(claims.UserID)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Invalid token: User not found")
		return
	}
	if claims.TokenVersion != u.TokenVersion {
		writeFailure(w, http.StatusUnauthorized, "Token has been revoked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"user": userView{
			ID:       u.ID,
			Email:    u.Email,
			Role:     string(u.Role),
			IsActive: u.IsActive,
		},
	})
}

// handleRefresh issues a new access token and keeps the refresh token, so a
// session ends when its original refresh token expires.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie(identity.RefreshTokenCookie)
	if err != nil || ck.Value == "" {
		writeFailure(w, http.StatusUnauthorized, "Refresh token not found")
		return
	}
	claims, err := s.issuer.Parse(ck.Value)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Refresh token has expired or is invalid")
		return
	}
	if !s.refreshValid(claims.UserID, ck.Value) {
		writeFailure(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}
	u, err := s.users.Get(claims.UserID)
	if err != nil {
		writeFailure(w, http.StatusNotFound, "User not found")
		return
	}
	if claims.TokenVersion != u.TokenVersion {
		writeFailure(w, http.StatusUnauthorized, "Refresh token has been revoked")
		return
	}

	access, err := s.issuer.AccessToken(u)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	s.setCookie(w, identity.RefreshTokenCookie, ck.Value, s.issuer.refreshTTL)
	s.setCookie(w, identity.AccessTokenCookie, access, s.issuer.accessTTL)
	s.logger.Debug("access token refreshed", "user_id", u.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token refreshed and saved to cookies"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if ck, err := r.Cookie(identity.AccessTokenCookie); err == nil {
		token = ck.Value
	}
	claims, err := s.issuer.Parse(token)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	if _, err := s.users.BumpTokenVersion(claims.UserID); err != nil {
		writeFailure(w, http.StatusNotFound, "User not found")
		return
	}
	s.mu.Lock()
	delete(s.refresh, claims.UserID)
	s.mu.Unlock()

	s.setCookie(w, identity.AccessTokenCookie, "", -1)
	s.setCookie(w, identity.RefreshTokenCookie, "", -1)
	s.logger.Info("logout", "user_id", claims.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully. All tokens invalidated."})
}

// storeRefresh keeps one refresh token per user.
func (s *Server) storeRefresh(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[userID] = storedRefresh{token: token, expiry: s.issuer.now().Add(s.issuer.refreshTTL)}
}

func (s *Server) refreshValid(userID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.refresh[userID]
	return ok && st.token == token && st.expiry.After(s.issuer.now())
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if maxAge < 0 {
		ck.MaxAge = -1
	} else {
		ck.MaxAge = int(maxAge / time.Second)
	}
	http.SetCookie(w, ck)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"statusCode": status,
		"message":    msg,
		"error":      http.StatusText(status),
	})
}
