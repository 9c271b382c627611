package config

import (
	"fmt"
	"strings"
)

// migrations is written in the subset of SQL shared by SQLite, PostgreSQL
// and MySQL: VARCHAR keys, INTEGER flags and BIGINT unix-millisecond
// timestamps.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS upstreams (
		service_key VARCHAR(64) NOT NULL PRIMARY KEY,
		base_url VARCHAR(1024) NOT NULL,
		label VARCHAR(255) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS service_routes (
		base_path VARCHAR(255) NOT NULL PRIMARY KEY,
		service_key VARCHAR(64) NOT NULL,
		is_public INTEGER NOT NULL DEFAULT 0,
		allowed_roles VARCHAR(255) NULL,
		priority BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sub_routes (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		base_path VARCHAR(255) NOT NULL,
		path VARCHAR(255) NOT NULL,
		declared INTEGER NOT NULL DEFAULT 0,
		is_public INTEGER NOT NULL DEFAULT 0,
		allowed_roles VARCHAR(255) NULL,
		methods VARCHAR(255) NULL,
		public_query_params VARCHAR(1024) NULL,
		priority BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,

	`CREATE INDEX idx_sub_routes_base_path ON sub_routes(base_path)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		key_hash VARCHAR(64) NOT NULL UNIQUE,
		key_prefix VARCHAR(16) NOT NULL,
		label VARCHAR(255) NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at BIGINT NULL,
		created_at BIGINT NOT NULL,
		last_used BIGINT NULL
	)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running an index or column migration is a no-op.
			if isAlreadyApplied(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "duplicate key name")
}
