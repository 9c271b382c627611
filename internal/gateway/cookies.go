package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/identity"
)

// CookieConfig controls the token cookies the gateway sets after a refresh.
type CookieConfig struct {
	Secure        bool
	Domain        string
	Path          string
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// DefaultCookieConfig returns 15 minute access and 7 day refresh cookies.
// Secure is set when production is true.
func DefaultCookieConfig(production bool) CookieConfig {
	return CookieConfig{
		Secure:        production,
		Path:          "/",
		AccessMaxAge:  15 * time.Minute,
		RefreshMaxAge: 7 * 24 * time.Hour,
	}
}

func (c CookieConfig) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		MaxAge:   int(maxAge / time.Second),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (c CookieConfig) setTokens(w http.ResponseWriter, pair *identity.TokenPair) {
	http.SetCookie(w, c.cookie(identity.AccessTokenCookie, pair.AccessToken, c.AccessMaxAge))
	http.SetCookie(w, c.cookie(identity.RefreshTokenCookie, pair.RefreshToken, c.RefreshMaxAge))
}

func (c CookieConfig) clearTokens(w http.ResponseWriter) {
	for _, name := range []string{identity.AccessTokenCookie, identity.RefreshTokenCookie} {
		ck := c.cookie(name, "", 0)
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
		http.SetCookie(w, ck)
	}
}

// replaceTokenCookies rewrites the inbound Cookie header so the request
// forwarded upstream carries the refreshed tokens.
func replaceTokenCookies(r *http.Request, pair *identity.TokenPair) {
	seen := map[string]bool{}
	var parts []string
	for _, ck := range r.Cookies() {
		switch ck.Name {
		case identity.AccessTokenCookie:
			ck.Value = pair.AccessToken
		case identity.RefreshTokenCookie:
			ck.Value = pair.RefreshToken
		}
		seen[ck.Name] = true
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	if !seen[identity.AccessTokenCookie] {
		parts = append(parts, identity.AccessTokenCookie+"="+pair.AccessToken)
	}
	if !seen[identity.RefreshTokenCookie] {
		parts = append(parts, identity.RefreshTokenCookie+"="+pair.RefreshToken)
	}
	r.Header.Set("Cookie", strings.Join(parts, "; "))
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
