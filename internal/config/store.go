package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/relaygate/relaygate/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store persists the gateway's dynamic configuration: upstream base URLs,
// registered services and sub-routes, and admin API keys. SQLite is the
// default; PostgreSQL and MySQL let several gateway instances share one
// store.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens a SQLite store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		return Open(DriverSQLite, "")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return Open(DriverSQLite, filepath.Join(dataDir, "relaygate.db"))
}

// Open connects to the store using driver and dsn and applies migrations.
// For SQLite the dsn is a file path; empty means in-memory.
func Open(driver, dsn string) (*Store, error) {
	var sqlDriver string
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		driver, sqlDriver = DriverSQLite, "sqlite"
		if dsn == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres, "pgx":
		driver, sqlDriver = DriverPostgres, "pgx"
	case DriverMySQL:
		driver, sqlDriver = DriverMySQL, "mysql"
	default:
		return nil, fmt.Errorf("unsupported store driver %q (use sqlite, postgres or mysql)", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate config database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the store driver name.
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ---------------------------------------------------------------------------
// Upstreams
// ---------------------------------------------------------------------------

type upstreamRow struct {
	ServiceKey string `db:"service_key"`
	BaseURL    string `db:"base_url"`
	Label      string `db:"label"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r upstreamRow) toModel() model.Upstream {
	return model.Upstream{
		Key:       r.ServiceKey,
		BaseURL:   r.BaseURL,
		Label:     r.Label,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

// PutUpstream creates or replaces the base URL of an upstream service key.
func (s *Store) PutUpstream(ctx context.Context, up *model.Upstream) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var createdAt int64
	err = tx.GetContext(ctx, &createdAt, s.q("SELECT created_at FROM upstreams WHERE service_key = ?"), up.Key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		createdAt = millis(now)
	case err != nil:
		return fmt.Errorf("get upstream: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM upstreams WHERE service_key = ?"), up.Key); err != nil {
		return fmt.Errorf("replace upstream: %w", err)
	}

	row := upstreamRow{
		ServiceKey: up.Key,
		BaseURL:    up.BaseURL,
		Label:      up.Label,
		CreatedAt:  createdAt,
		UpdatedAt:  millis(now),
	}
	const q = `INSERT INTO upstreams (service_key, base_url, label, created_at, updated_at)
		VALUES (:service_key, :base_url, :label, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert upstream: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upstream: %w", err)
	}
	up.CreatedAt = fromMillis(createdAt)
	up.UpdatedAt = fromMillis(row.UpdatedAt)
	return nil
}

// GetUpstream returns an upstream by service key.
func (s *Store) GetUpstream(ctx context.Context, key string) (*model.Upstream, error) {
	var row upstreamRow
	if err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM upstreams WHERE service_key = ?"), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get upstream: %w", err)
	}
	up := row.toModel()
	return &up, nil
}

// ListUpstreams returns all stored upstreams ordered by key.
func (s *Store) ListUpstreams(ctx context.Context) ([]model.Upstream, error) {
	var rows []upstreamRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM upstreams ORDER BY service_key"); err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}
	out := make([]model.Upstream, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// DeleteUpstream removes a stored upstream.
func (s *Store) DeleteUpstream(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM upstreams WHERE service_key = ?"), key)
	if err != nil {
		return fmt.Errorf("delete upstream: %w", err)
	}
	return requireAffected(result, "delete upstream")
}

// ---------------------------------------------------------------------------
// Registered services and sub-routes
// ---------------------------------------------------------------------------

// serviceRouteRow maps the service_routes table. Role lists are stored as
// JSON; NULL means "any authenticated identity".
type serviceRouteRow struct {
	BasePath     string         `db:"base_path"`
	ServiceKey   string         `db:"service_key"`
	IsPublic     int            `db:"is_public"`
	AllowedRoles sql.NullString `db:"allowed_roles"`
	Priority     int64          `db:"priority"`
	CreatedAt    int64          `db:"created_at"`
}

type subRouteRow struct {
	ID                string         `db:"id"`
	BasePath          string         `db:"base_path"`
	Path              string         `db:"path"`
	Declared          int            `db:"declared"`
	IsPublic          int            `db:"is_public"`
	AllowedRoles      sql.NullString `db:"allowed_roles"`
	Methods           sql.NullString `db:"methods"`
	PublicQueryParams sql.NullString `db:"public_query_params"`
	Priority          int64          `db:"priority"`
	CreatedAt         int64          `db:"created_at"`
}

// StoredSubRoute is a sub-route added to a base path after registration.
type StoredSubRoute struct {
	BasePath string
	Route    model.SubRoute
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeList[T any](list []T) (sql.NullString, error) {
	if list == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeList[T any](ns sql.NullString) ([]T, error) {
	if !ns.Valid {
		return nil, nil
	}
	out := []T{}
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func subRouteRowFromModel(basePath string, sub *model.SubRoute, declared bool, priority int64, now int64) (subRouteRow, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	roles, err := encodeList(sub.AllowedRoles)
	if err != nil {
		return subRouteRow{}, fmt.Errorf("encode roles: %w", err)
	}
	methods, err := encodeList(sub.Methods)
	if err != nil {
		return subRouteRow{}, fmt.Errorf("encode methods: %w", err)
	}
	params, err := encodeList(sub.PublicQueryParams)
	if err != nil {
		return subRouteRow{}, fmt.Errorf("encode query params: %w", err)
	}
	return subRouteRow{
		ID:                sub.ID,
		BasePath:          basePath,
		Path:              sub.Path,
		Declared:          boolInt(declared),
		IsPublic:          boolInt(sub.IsPublic),
		AllowedRoles:      roles,
		Methods:           methods,
		PublicQueryParams: params,
		Priority:          priority,
		CreatedAt:         now,
	}, nil
}

func (r subRouteRow) toModel() (model.SubRoute, error) {
	roles, err := decodeList[model.Role](r.AllowedRoles)
	if err != nil {
		return model.SubRoute{}, fmt.Errorf("decode roles of %s: %w", r.ID, err)
	}
	methods, err := decodeList[string](r.Methods)
	if err != nil {
		return model.SubRoute{}, fmt.Errorf("decode methods of %s: %w", r.ID, err)
	}
	params, err := decodeList[string](r.PublicQueryParams)
	if err != nil {
		return model.SubRoute{}, fmt.Errorf("decode query params of %s: %w", r.ID, err)
	}
	return model.SubRoute{
		ID:                r.ID,
		Path:              r.Path,
		IsPublic:          r.IsPublic == 1,
		AllowedRoles:      roles,
		Methods:           methods,
		PublicQueryParams: params,
	}, nil
}

const insertSubRoute = `INSERT INTO sub_routes
	(id, base_path, path, declared, is_public, allowed_roles, methods, public_query_params, priority, created_at)
	VALUES
	(:id, :base_path, :path, :declared, :is_public, :allowed_roles, :methods, :public_query_params, :priority, :created_at)`

// SaveService stores a service registration, replacing any earlier
// registration of the same base path together with every sub-route stored
// under it. The new registration gets the highest priority.
func (s *Store) SaveService(ctx context.Context, svc *model.ServiceRoutes) error {
	now := time.Now().UTC()
	priority := now.UnixNano()

	roles, err := encodeList(svc.DefaultAccess.AllowedRoles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM sub_routes WHERE base_path = ?"), svc.BasePath); err != nil {
		return fmt.Errorf("delete sub-routes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM service_routes WHERE base_path = ?"), svc.BasePath); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}

	const insertService = `INSERT INTO service_routes
		(base_path, service_key, is_public, allowed_roles, priority, created_at)
		VALUES (:base_path, :service_key, :is_public, :allowed_roles, :priority, :created_at)`
	row := serviceRouteRow{
		BasePath:     svc.BasePath,
		ServiceKey:   svc.ServiceKey,
		IsPublic:     boolInt(svc.DefaultAccess.IsPublic),
		AllowedRoles: roles,
		Priority:     priority,
		CreatedAt:    millis(now),
	}
	if _, err := tx.NamedExecContext(ctx, insertService, row); err != nil {
		return fmt.Errorf("insert service: %w", err)
	}

	// Declared routes keep their order: the first one gets the highest
	// priority.
	for i := range svc.Routes {
		sub := &svc.Routes[i]
		r, err := subRouteRowFromModel(svc.BasePath, sub, true, int64(len(svc.Routes)-i), millis(now))
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertSubRoute, r); err != nil {
			return fmt.Errorf("insert sub-route: %w", err)
		}
	}
	return tx.Commit()
}

// AddSubRoute stores sub under basePath ahead of every sub-route stored
// there before.
func (s *Store) AddSubRoute(ctx context.Context, basePath string, sub *model.SubRoute) error {
	now := time.Now().UTC()
	row, err := subRouteRowFromModel(basePath, sub, false, now.UnixNano(), millis(now))
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertSubRoute, row); err != nil {
		return fmt.Errorf("insert sub-route: %w", err)
	}
	return nil
}

// DeleteService removes a stored registration and every sub-route stored
// under its base path.
func (s *Store) DeleteService(ctx context.Context, basePath string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, s.q("DELETE FROM service_routes WHERE base_path = ?"), basePath)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	if err := requireAffected(result, "delete service"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM sub_routes WHERE base_path = ?"), basePath); err != nil {
		return fmt.Errorf("delete sub-routes: %w", err)
	}
	return tx.Commit()
}

// DeleteSubRoute removes one stored sub-route by ID.
func (s *Store) DeleteSubRoute(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM sub_routes WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete sub-route: %w", err)
	}
	return requireAffected(result, "delete sub-route")
}

// ListServices returns registered services oldest first, each with its
// declared routes in declaration order.
func (s *Store) ListServices(ctx context.Context) ([]model.ServiceRoutes, error) {
	var rows []serviceRouteRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM service_routes ORDER BY priority"); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	var subs []subRouteRow
	if err := s.db.SelectContext(ctx, &subs,
		"SELECT * FROM sub_routes WHERE declared = 1 ORDER BY base_path, priority DESC"); err != nil {
		return nil, fmt.Errorf("list declared sub-routes: %w", err)
	}
	byBase := make(map[string][]model.SubRoute)
	for _, r := range subs {
		sub, err := r.toModel()
		if err != nil {
			return nil, err
		}
		byBase[r.BasePath] = append(byBase[r.BasePath], sub)
	}

	out := make([]model.ServiceRoutes, 0, len(rows))
	for _, r := range rows {
		roles, err := decodeList[model.Role](r.AllowedRoles)
		if err != nil {
			return nil, fmt.Errorf("decode roles of %s: %w", r.BasePath, err)
		}
		out = append(out, model.ServiceRoutes{
			BasePath:   r.BasePath,
			ServiceKey: r.ServiceKey,
			DefaultAccess: model.Access{
				IsPublic:     r.IsPublic == 1,
				AllowedRoles: roles,
			},
			Routes: byBase[r.BasePath],
		})
	}
	return out, nil
}

// ListAddedSubRoutes returns sub-routes added after registration, oldest
// first.
func (s *Store) ListAddedSubRoutes(ctx context.Context) ([]StoredSubRoute, error) {
	var rows []subRouteRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM sub_routes WHERE declared = 0 ORDER BY priority"); err != nil {
		return nil, fmt.Errorf("list sub-routes: %w", err)
	}
	out := make([]StoredSubRoute, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, StoredSubRoute{BasePath: r.BasePath, Route: sub})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

type apiKeyRow struct {
	ID        string        `db:"id"`
	KeyHash   string        `db:"key_hash"`
	KeyPrefix string        `db:"key_prefix"`
	Label     string        `db:"label"`
	IsActive  int           `db:"is_active"`
	ExpiresAt sql.NullInt64 `db:"expires_at"`
	CreatedAt int64         `db:"created_at"`
	LastUsed  sql.NullInt64 `db:"last_used"`
}

func optionalMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func optionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func (r apiKeyRow) toModel() model.APIKey {
	return model.APIKey{
		ID:        r.ID,
		KeyHash:   r.KeyHash,
		KeyPrefix: r.KeyPrefix,
		Label:     r.Label,
		IsActive:  r.IsActive == 1,
		ExpiresAt: optionalTime(r.ExpiresAt),
		CreatedAt: fromMillis(r.CreatedAt),
		LastUsed:  optionalTime(r.LastUsed),
	}
}

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). The ID and CreatedAt fields are populated on insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.ID = uuid.NewString()
	key.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	row := apiKeyRow{
		ID:        key.ID,
		KeyHash:   key.KeyHash,
		KeyPrefix: key.KeyPrefix,
		Label:     key.Label,
		IsActive:  boolInt(key.IsActive),
		ExpiresAt: optionalMillis(key.ExpiresAt),
		CreatedAt: millis(key.CreatedAt),
	}
	const q = `INSERT INTO api_keys
		(id, key_hash, key_prefix, label, is_active, expires_at, created_at)
		VALUES
		(:id, :key_hash, :key_prefix, :label, :is_active, :expires_at, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM api_keys WHERE key_hash = ?"), hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	key := row.toModel()
	return &key, nil
}

// ListAPIKeys returns all API keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM api_keys ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, len(rows))
	for i, r := range rows {
		keys[i] = r.toModel()
	}
	return keys, nil
}

// RevokeAPIKey marks an API key as inactive by ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q("UPDATE api_keys SET is_active = 0 WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireAffected(result, "revoke api key")
}

// RevokeAPIKeyByPrefix marks an active API key as inactive by its prefix.
func (s *Store) RevokeAPIKeyByPrefix(ctx context.Context, prefix string) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE api_keys SET is_active = 0 WHERE key_prefix = ? AND is_active = 1"), prefix)
	if err != nil {
		return fmt.Errorf("revoke api key by prefix: %w", err)
	}
	return requireAffected(result, "revoke api key")
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE api_keys SET last_used = ? WHERE id = ?"), millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return requireAffected(result, "update api key last used")
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func requireAffected(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
