package idp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupIDP(t *testing.T) (*httptest.Server, *identity.Client, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Now()}
	users := NewDirectory()
	if _, err := users.Add("admin@example.com", "s3cret", model.RoleAdmin, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	srv := NewServer(Config{
		Users:  users,
		Issuer: NewIssuer("test-secret", time.Minute, time.Hour, clock.Now),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, identity.NewClient(ts.URL), clock
}

func login(t *testing.T, baseURL, email, password string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(baseURL+"/auth/login", "application/json",
		strings.NewReader(`{"email":"`+email+`","password":"`+password+`"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	cookies := map[string]string{}
	for _, ck := range resp.Cookies() {
		cookies[ck.Name] = ck.Value
	}
	return resp, cookies
}

func TestLogin(t *testing.T) {
	ts, _, _ := setupIDP(t)

	resp, _ := login(t, ts.URL, "admin@example.com", "wrong")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong password: got status %d, want 400", resp.StatusCode)
	}

	resp, cookies := login(t, ts.URL, "ADMIN@example.com", "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: got status %d", resp.StatusCode)
	}
	if cookies[identity.AccessTokenCookie] == "" || cookies[identity.RefreshTokenCookie] == "" {
		t.Errorf("expected both token cookies, got %v", cookies)
	}
}

func TestValidateAndRefreshThroughClient(t *testing.T) {
	ts, client, clock := setupIDP(t)
	ctx := context.Background()
	_, cookies := login(t, ts.URL, "admin@example.com", "s3cret")

	id, err := client.Validate(ctx, cookies[identity.AccessTokenCookie])
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Role != model.RoleAdmin || id.Email != "admin@example.com" || !id.IsActive || id.UserID == "" {
		t.Errorf("identity: got %+v", id)
	}

	clock.Advance(2 * time.Minute)
	_, err = client.Validate(ctx, cookies[identity.AccessTokenCookie])
	if !errors.Is(err, identity.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired after access TTL, got %v", err)
	}

	pair, err := client.Refresh(ctx, cookies[identity.RefreshTokenCookie])
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.Rotated {
		t.Error("refresh token should be kept, not rotated")
	}
	if _, err := client.Validate(ctx, pair.AccessToken); err != nil {
		t.Errorf("refreshed token should validate: %v", err)
	}
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	_, client, _ := setupIDP(t)

	_, err := client.Refresh(context.Background(), "not-a-token")
	if !errors.Is(err, identity.ErrRefreshFailed) {
		t.Errorf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	ts, client, _ := setupIDP(t)
	ctx := context.Background()
	_, cookies := login(t, ts.URL, "admin@example.com", "s3cret")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+cookies[identity.AccessTokenCookie])
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: got status %d", resp.StatusCode)
	}

	if _, err := client.Validate(ctx, cookies[identity.AccessTokenCookie]); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("expected revoked access token to fail, got %v", err)
	}
	if _, err := client.Refresh(ctx, cookies[identity.RefreshTokenCookie]); !errors.Is(err, identity.ErrRefreshFailed) {
		t.Errorf("expected refresh after logout to fail, got %v", err)
	}
}

func TestLoadUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	data := `users:
  - email: org@example.com
    password: pw
    role: organizer
    active: false
  - id: fixed-id
    email: user@example.com
    password: pw
    role: USER
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	d := NewDirectory()
	if err := d.LoadUsers(path); err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", d.Len())
	}
	u, err := d.Authenticate("org@example.com", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Role != model.RoleOrganizer || u.IsActive {
		t.Errorf("organizer: got %+v", u)
	}
	if _, err := d.Get("fixed-id"); err != nil {
		t.Errorf("Get fixed-id: %v", err)
	}
	if _, err := d.Authenticate("user@example.com", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoadUsersRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	os.WriteFile(path, []byte("users:\n  - email: a@b.c\n    password: x\n    role: ROOT\n"), 0o600)
	if err := NewDirectory().LoadUsers(path); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
