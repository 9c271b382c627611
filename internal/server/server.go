package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/handler"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/routesync"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/server/middleware"
	"github.com/relaygate/relaygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int // proxied requests per minute per client IP, 0 disables
	AdminRateLimit  int // admin API requests per minute per key or IP, 0 disables
	MaxBodySize     int64
	UpstreamTimeout time.Duration
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            5000,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimit:       0,
		AdminRateLimit:  120,
		MaxBodySize:     1 << 20, // 1MB
		UpstreamTimeout: gateway.DefaultUpstreamTimeout,
		Version:         "dev",
	}
}

// Deps are the collaborators the server wires together.
type Deps struct {
	Routes      *service.RouteService
	Keys        middleware.KeyValidator
	Validator   identity.Validator
	Refresher   identity.Refresher
	PublicPaths *routing.PublicPaths
	Cookies     gateway.CookieConfig
	Checks      map[string]handler.Pinger
	Metrics     metrics.Gateway
	Gatherer    prometheus.Gatherer
	Sync        *routesync.Bus
	Logger      *slog.Logger
}

// Server is the gateway's HTTP server. It owns the Chi router, the
// authentication middleware and the forwarder.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	auth       *gateway.Authenticator
	forwarder  *gateway.Forwarder
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PublicPaths == nil {
		deps.PublicPaths = routing.ParsePublicPaths(routing.DefaultPublicPaths)
	}
	table := deps.Routes.Table()

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		auth: gateway.NewAuthenticator(gateway.AuthConfig{
			Validator:   deps.Validator,
			Refresher:   deps.Refresher,
			Routes:      table,
			PublicPaths: deps.PublicPaths,
			Cookies:     deps.Cookies,
			Metrics:     deps.Metrics,
			Logger:      deps.Logger,
		}),
		forwarder: gateway.NewForwarder(gateway.ForwarderConfig{
			Routes:  table,
			Timeout: cfg.UpstreamTimeout,
			Metrics: deps.Metrics,
			Logger:  deps.Logger,
		}),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	logger := s.logger
	table := s.deps.Routes.Table()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(s.deps.Metrics, s.routeLabel))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", gateway.TokenRefreshedHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Operational endpoints (no auth required) ---
	sys := handler.NewSystemHandler(s.cfg.Version, s.deps.Checks, func() int { return len(table.Rules()) })
	r.Get("/status", sys.Status)
	r.Get("/healthz", sys.Healthz)
	r.Get("/readyz", sys.Readyz)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Gatherer))
	}

	// --- Admin API ---
	r.Route(routing.ReservedPrefix, func(r chi.Router) {
		r.Use(chimw.Compress(5))
		if s.cfg.MaxBodySize > 0 {
			r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
		}
		r.Use(middleware.RateLimitByHeader(middleware.APIKeyHeader, s.cfg.AdminRateLimit))
		if s.deps.Keys != nil {
			r.Use(middleware.APIKeyAuth(s.deps.Keys, logger))
		}
		r.Use(s.auth.Middleware)
		r.Use(middleware.RecordIdentity)
		r.Use(gateway.RequireRoles(logger, model.RoleAdmin))
		r.Use(gateway.RequireActive(logger))

		rh := handler.NewRoutesHandler(s.deps.Routes, logger)
		oh := handler.NewOpenAPIHandler(table, s.cfg.Version)

		r.Get("/me", rh.Me)
		r.Get("/routes", rh.ListRoutes)
		r.Post("/routes/resolve", rh.ResolveRoute)
		r.Get("/services", rh.ListServices)
		r.Post("/services", rh.RegisterService)
		r.Delete("/services/{basePath}", rh.DeleteService)
		r.Post("/services/{basePath}/routes", rh.AddSubRoute)
		r.Get("/upstreams", rh.ListUpstreams)
		r.Put("/upstreams/{key}", rh.PutUpstream)
		r.Delete("/upstreams/{key}", rh.DeleteUpstream)
		r.Get("/openapi.json", oh.ServeSpec)
	})

	// --- Proxy ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.RateLimit))
		r.Use(s.auth.Middleware)
		r.Use(middleware.RecordIdentity)
		r.Handle("/*", s.forwarder)
	})

	s.router = r
}

// routeLabel names a request for metrics: the chi pattern for the gateway's
// own endpoints and the matched rule's path pattern for proxied requests.
func (s *Server) routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	if rule, ok := s.deps.Routes.Table().Match(r.URL.Path, r.Method); ok {
		return rule.PathPattern
	}
	return "unmatched"
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests. When a route sync bus is configured it is subscribed for the
// lifetime of the server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncDone := make(chan struct{})
	if s.deps.Sync != nil {
		go func() {
			defer close(syncDone)
			if err := s.deps.Sync.Run(ctx, s.deps.Routes.Reload); err != nil {
				s.logger.Error("route sync stopped", "error", err)
			}
		}()
	} else {
		close(syncDone)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "rules", len(s.deps.Routes.Table().Rules()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		<-syncDone
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-syncDone
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
