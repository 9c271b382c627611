// Package identity talks to the identity service: it validates access tokens
// and exchanges refresh tokens for new credentials.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/model"
)

const (
	// DefaultTimeout bounds each call to the identity service.
	DefaultTimeout = 5 * time.Second

	// Cookie names shared by the identity service, the gateway and clients.
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"

	validatePath = "/auth/validate"
	refreshPath  = "/auth/refresh"

	maxErrorBody = 4096
)

var (
	// ErrInvalidToken means the identity service did not accept the token.
	// Expiry, revocation, malformed tokens and timeouts all end up here.
	ErrInvalidToken = errors.New("identity: invalid or expired token")

	// ErrTokenExpired is the expiry sub-case of ErrInvalidToken. It wraps
	// ErrInvalidToken so callers that only care about validity need not
	// distinguish.
	ErrTokenExpired = fmt.Errorf("%w: access token has expired", ErrInvalidToken)

	// ErrRefreshFailed means no new access token could be obtained.
	ErrRefreshFailed = errors.New("identity: failed to refresh tokens")
)

// Validator resolves an access token to an identity.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*model.Identity, error)
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// TokenPair is the result of a refresh. RefreshToken is the rotated token
// when the identity service issued one, otherwise the token that was sent.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Rotated      bool
}

// Client is an HTTP client for the identity service. It implements both
// Validator and Refresher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the identity service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   c.timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c
}

// BaseURL returns the identity service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid bool          `json:"valid"`
	User  *validateUser `json:"user"`
}

type validateUser struct {
	ID       string `json:"id"`
	LegacyID string `json:"_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"isActive"`
}

type errorBody struct {
	Message json.RawMessage `json:"message"`
}

// Validate asks the identity service whether accessToken is valid and
// returns the identity it belongs to. Any non-2xx answer, transport failure
// or negative verdict yields an error wrapping ErrInvalidToken; a 401 whose
// message mentions expiry yields ErrTokenExpired.
func (c *Client) Validate(ctx context.Context, accessToken string) (*model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(validateRequest{Token: accessToken})
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+validatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token validation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := errorMessage(body)
		c.logger.Warn("token validation failed", "status", resp.StatusCode, "message", msg)
		if resp.StatusCode == http.StatusUnauthorized && strings.Contains(strings.ToLower(msg), "expired") {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode validate response: %v", ErrInvalidToken, err)
	}
	if !out.Valid || out.User == nil {
		return nil, ErrInvalidToken
	}

	id := out.User.ID
	if id == "" {
		id = out.User.LegacyID
	}
	return &model.Identity{
		UserID:   id,
		Email:    out.User.Email,
		Role:     model.Role(strings.ToUpper(out.User.Role)),
		IsActive: out.User.IsActive,
	}, nil
}

// Refresh posts refreshToken to the identity service and reads the new
// tokens from the Set-Cookie headers of the answer. A missing access token
// is a failure; a missing refresh token means the service did not rotate it
// and the old one stays valid.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: refreshToken})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("token refresh failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("token refresh failed", "status", resp.StatusCode, "message", errorMessage(body))
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	pair := &TokenPair{}
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case AccessTokenCookie:
			pair.AccessToken = ck.Value
		case RefreshTokenCookie:
			pair.RefreshToken = ck.Value
		}
	}
	if pair.AccessToken == "" {
		c.logger.Error("refresh response carried no access token")
		return nil, fmt.Errorf("%w: no access token received", ErrRefreshFailed)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	} else {
		pair.Rotated = pair.RefreshToken != refreshToken
	}
	return pair, nil
}

// Ping checks that the identity service answers at all. Any HTTP response,
// whatever its status, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+validatePath, strings.NewReader(`{"token":""}`))
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity service unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Message) == 0 {
		return strings.TrimSpace(string(body))
	}
	var s string
	if err := json.Unmarshal(eb.Message, &s); err == nil {
		return s
	}
	return string(eb.Message)
}
