package model

import "time"

// APIKey is an admin API key for machine access to the gateway admin API.
// The raw key is never stored; only a SHA-256 hash and a short prefix for
// identification are persisted.
type APIKey struct {
	ID        string     `json:"id"`
	KeyHash   string     `json:"-"`          // SHA-256 hash, never expose
	KeyPrefix string     `json:"key_prefix"` // "rg_" plus 8 hex chars, for identification
	Label     string     `json:"label"`
	IsActive  bool       `json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
