package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrKeyRevoked         = errors.New("api key revoked")
)

// KeyPrefix starts every admin API key.
const KeyPrefix = "rg_"

// APIKeyPrincipal identifies the admin API key a request was made with.
type APIKeyPrincipal struct {
	KeyID  string
	Prefix string
	Label  string
}

// AuthService manages and validates admin API keys.
type AuthService struct {
	store *config.Store
	now   func() time.Time
}

func NewAuthService(store *config.Store) *AuthService {
	return &AuthService{store: store, now: time.Now}
}

// ValidateAPIKey checks the provided raw API key against stored key hashes.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*APIKeyPrincipal, error) {
	key, err := s.store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !key.IsActive {
		return nil, ErrKeyRevoked
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(s.now()) {
		return nil, ErrTokenExpired
	}

	// Update last used timestamp (fire and forget)
	go s.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

	return &APIKeyPrincipal{
		KeyID:  key.ID,
		Prefix: key.KeyPrefix,
		Label:  key.Label,
	}, nil
}

// CreateAPIKey generates a new admin API key and stores its hash. The raw
// key is returned once and cannot be recovered later. A zero ttl means the
// key never expires.
func (s *AuthService) CreateAPIKey(ctx context.Context, label string, ttl time.Duration) (string, *model.APIKey, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, fmt.Errorf("generate random key: %w", err)
	}
	rawKey := KeyPrefix + hex.EncodeToString(randomBytes)

	key := &model.APIKey{
		KeyHash:   config.HashAPIKey(rawKey),
		KeyPrefix: rawKey[:len(KeyPrefix)+8],
		Label:     label,
		IsActive:  true,
	}
	if ttl > 0 {
		exp := s.now().Add(ttl).UTC()
		key.ExpiresAt = &exp
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}
