package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/service"
)

// settings is the effective gateway configuration after defaults, config
// file and environment have been merged.
type settings struct {
	Host            string
	Port            int
	CORSOrigins     []string
	RateLimit       int
	AdminRateLimit  int
	IdentityURL     string
	IdentityTimeout time.Duration
	UpstreamTimeout time.Duration
	Services        map[string]string
	PublicPaths     string
	Production      bool
	Cookies         gateway.CookieConfig
	RoutesFile      string
	StoreDriver     string
	StoreDSN        string
	RedisURL        string
	LogLevel        string
	LogFormat       string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.admin_rate_limit", 120)
	v.SetDefault("identity.timeout", identity.DefaultTimeout)
	v.SetDefault("upstream.timeout", gateway.DefaultUpstreamTimeout)
	v.SetDefault("public_paths", routing.DefaultPublicPaths)
	v.SetDefault("cookies.access_max_age", 15*time.Minute)
	v.SetDefault("cookies.refresh_max_age", 7*24*time.Hour)
	v.SetDefault("cookies.path", "/")
	v.SetDefault("store.driver", config.DriverSQLite)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindLegacyEnv maps the environment variables of existing deployments onto
// configuration keys. The RELAYGATE_ form of each key still wins.
func bindLegacyEnv(v *viper.Viper) {
	v.BindEnv("identity.url", "RELAYGATE_IDENTITY_URL", "AUTH_SERVICE_URL")
	v.BindEnv("services.auth", "RELAYGATE_SERVICES_AUTH", "AUTH_SERVICE_URL")
	v.BindEnv("services.api", "RELAYGATE_SERVICES_API", "API_SERVICE_URL")
	v.BindEnv("public_paths", "RELAYGATE_PUBLIC_PATHS", "GATEWAY_PUBLIC_PATHS")
	v.BindEnv("env", "RELAYGATE_ENV", "NODE_ENV")
	v.BindEnv("server.port", "RELAYGATE_SERVER_PORT", "PORT")
}

func loadSettings(v *viper.Viper) settings {
	production := strings.EqualFold(v.GetString("env"), "production")

	services := make(map[string]string)
	for k, u := range v.GetStringMapString("services") {
		services[k] = strings.TrimRight(u, "/")
	}
	// Env-only keys are not part of the services map.
	for _, k := range []string{routing.ServiceAuth, routing.ServiceAPI} {
		if u := v.GetString("services." + k); u != "" {
			services[k] = strings.TrimRight(u, "/")
		}
	}

	identityURL := strings.TrimRight(v.GetString("identity.url"), "/")
	if identityURL == "" {
		identityURL = services[routing.ServiceAuth]
	}
	if services[routing.ServiceAuth] == "" && identityURL != "" {
		services[routing.ServiceAuth] = identityURL
	}

	cookies := gateway.DefaultCookieConfig(production)
	cookies.Domain = v.GetString("cookies.domain")
	cookies.Path = v.GetString("cookies.path")
	cookies.AccessMaxAge = v.GetDuration("cookies.access_max_age")
	cookies.RefreshMaxAge = v.GetDuration("cookies.refresh_max_age")
	if v.IsSet("cookies.secure") {
		cookies.Secure = v.GetBool("cookies.secure")
	}

	return settings{
		Host:            v.GetString("server.host"),
		Port:            v.GetInt("server.port"),
		CORSOrigins:     v.GetStringSlice("server.cors_origins"),
		RateLimit:       v.GetInt("server.rate_limit"),
		AdminRateLimit:  v.GetInt("server.admin_rate_limit"),
		IdentityURL:     identityURL,
		IdentityTimeout: v.GetDuration("identity.timeout"),
		UpstreamTimeout: v.GetDuration("upstream.timeout"),
		Services:        services,
		PublicPaths:     v.GetString("public_paths"),
		Production:      production,
		Cookies:         cookies,
		RoutesFile:      v.GetString("routes.file"),
		StoreDriver:     v.GetString("store.driver"),
		StoreDSN:        v.GetString("store.dsn"),
		RedisURL:        v.GetString("redis.url"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
	}
}

// newLogger builds the process logger. dev forces debug level.
func newLogger(w io.Writer, level, format string, dev bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if dev {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured store. SQLite without a DSN lives in the
// data directory.
func openStore(st settings) (*config.Store, error) {
	if (st.StoreDriver == "" || st.StoreDriver == config.DriverSQLite) && st.StoreDSN == "" {
		return config.NewStore(resolveDataDir())
	}
	return config.Open(st.StoreDriver, st.StoreDSN)
}

// staticRoutes returns the routes file declarations, or the built-in routes
// when no file is configured. Upstreams named in the file fill in keys the
// configuration leaves unset.
func staticRoutes(st settings) ([]model.ServiceRoutes, map[string]string, error) {
	urls := make(map[string]string, len(st.Services))
	for k, u := range st.Services {
		urls[k] = u
	}
	if st.RoutesFile == "" {
		return routing.DefaultServices(), urls, nil
	}
	f, err := routing.LoadFile(st.RoutesFile)
	if err != nil {
		return nil, nil, err
	}
	for k, u := range f.Upstreams {
		if urls[k] == "" {
			urls[k] = strings.TrimRight(u, "/")
		}
	}
	services := f.Services
	if len(services) == 0 {
		services = routing.DefaultServices()
	}
	return services, urls, nil
}

// buildRouteService assembles the route table from static routes and the
// store, and loads the stored registrations.
func buildRouteService(ctx context.Context, st settings, store *config.Store, logger *slog.Logger) (*service.RouteService, error) {
	static, urls, err := staticRoutes(st)
	if err != nil {
		return nil, err
	}
	routes := service.NewRouteService(service.RouteServiceConfig{
		Table:  routing.NewTable(static, urls),
		Store:  store,
		Static: static,
		URLs:   urls,
		Logger: logger,
	})
	if err := routes.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load stored routes: %w", err)
	}
	return routes, nil
}
