package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/config"
)

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAPIKeyValidation(t *testing.T) {
	auth := NewAuthService(newTestStore(t))
	ctx := context.Background()

	rawKey, key, err := auth.CreateAPIKey(ctx, "deploy", 0)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		t.Errorf("raw key %q should start with %q", rawKey, KeyPrefix)
	}
	if len(rawKey) != len(KeyPrefix)+64 {
		t.Errorf("raw key length: got %d, want %d", len(rawKey), len(KeyPrefix)+64)
	}
	if key.KeyPrefix != rawKey[:11] {
		t.Errorf("KeyPrefix: got %q, want %q", key.KeyPrefix, rawKey[:11])
	}
	if key.ExpiresAt != nil {
		t.Errorf("ExpiresAt: got %v, want nil", key.ExpiresAt)
	}

	principal, err := auth.ValidateAPIKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if principal.KeyID != key.ID {
		t.Errorf("KeyID: got %q, want %q", principal.KeyID, key.ID)
	}
	if principal.Label != "deploy" {
		t.Errorf("Label: got %q, want %q", principal.Label, "deploy")
	}
}

func TestAPIKeyInvalid(t *testing.T) {
	auth := NewAuthService(newTestStore(t))

	_, err := auth.ValidateAPIKey(context.Background(), "rg_nonexistent")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAPIKeyRevoked(t *testing.T) {
	store := newTestStore(t)
	auth := NewAuthService(store)
	ctx := context.Background()

	rawKey, key, err := auth.CreateAPIKey(ctx, "old", 0)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := store.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	_, err = auth.ValidateAPIKey(ctx, rawKey)
	if !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("expected ErrKeyRevoked, got %v", err)
	}
}

func TestAPIKeyExpired(t *testing.T) {
	auth := NewAuthService(newTestStore(t))
	ctx := context.Background()

	rawKey, key, err := auth.CreateAPIKey(ctx, "short", time.Hour)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = auth.ValidateAPIKey(ctx, rawKey)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}
