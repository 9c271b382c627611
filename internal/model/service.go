package model

import "time"

// Upstream is a named upstream service base URL. Route rules reference
// upstreams by Key.
type Upstream struct {
	Key       string    `json:"key" yaml:"key"`
	BaseURL   string    `json:"base_url" yaml:"base_url"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	Source    string    `json:"source,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Upstream sources.
const (
	SourceConfig = "config"
	SourceStore  = "store"
)
