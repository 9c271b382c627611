package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/internal/handler"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/routesync"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		port       int
		host       string
		dev        bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the HTTP gateway: authenticate inbound requests, refresh expired sessions,
enforce route rules and forward to the upstream services.`,
		Example: `  relaygate serve
  AUTH_SERVICE_URL=http://auth:3001 API_SERVICE_URL=http://api:3002 relaygate serve
  relaygate serve --background   # detach; see 'relaygate status' and 'relaygate stop'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return startBackground()
			}
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 5000, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")
	cmd.Flags().BoolVarP(&background, "background", "d", false, "Run the server in the background")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	st := loadSettings(viper.GetViper())
	logger := newLogger(os.Stderr, st.LogLevel, st.LogFormat, dev)
	ctx := context.Background()

	if st.IdentityURL == "" {
		return fmt.Errorf("identity service URL is not configured (set AUTH_SERVICE_URL or identity.url)")
	}

	// 1. Config store
	store, err := openStore(st)
	if err != nil {
		return fmt.Errorf("init config store: %w", err)
	}
	defer store.Close()
	logger.Info("config store initialized", "driver", store.Driver())

	// 2. Route table
	routes, err := buildRouteService(ctx, st, store, logger)
	if err != nil {
		return err
	}
	for key, u := range routes.Table().ServiceURLs() {
		logger.Info("upstream configured", "service", key, "url", u)
	}
	for _, svc := range routes.Table().Services() {
		if _, ok := routes.Table().ServiceURLs()[svc.ServiceKey]; !ok {
			logger.Warn("service has no upstream URL; its routes will fail",
				"service", svc.ServiceKey, "base_path", svc.BasePath)
		}
	}

	// 3. Route sync across instances
	var bus *routesync.Bus
	if st.RedisURL != "" {
		bus, err = routesync.New(st.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("init route sync: %w", err)
		}
		defer bus.Close()
		routes.SetPublisher(bus)
		logger.Info("route sync enabled", "instance", bus.Instance())
	}

	// 4. Identity client, metrics, server
	idClient := identity.NewClient(st.IdentityURL,
		identity.WithTimeout(st.IdentityTimeout),
		identity.WithLogger(logger))

	reg := metrics.NewRegistry()
	srv := server.New(server.Config{
		Host:            st.Host,
		Port:            st.Port,
		ShutdownTimeout: server.DefaultConfig().ShutdownTimeout,
		CORSOrigins:     st.CORSOrigins,
		RateLimit:       st.RateLimit,
		AdminRateLimit:  st.AdminRateLimit,
		MaxBodySize:     server.DefaultConfig().MaxBodySize,
		UpstreamTimeout: st.UpstreamTimeout,
		Version:         versionString(),
	}, server.Deps{
		Routes:      routes,
		Keys:        service.NewAuthService(store),
		Validator:   idClient,
		Refresher:   idClient,
		PublicPaths: routing.ParsePublicPaths(st.PublicPaths),
		Cookies:     st.Cookies,
		Checks:      map[string]handler.Pinger{"store": store, "identity": idClient},
		Metrics:     metrics.NewGatewayProm("relaygate", reg),
		Gatherer:    reg,
		Sync:        bus,
		Logger:      logger,
	})

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ relaygate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", st.Host, st.Port)
	fmt.Printf("→ Identity:   %s\n", st.IdentityURL)
	fmt.Printf("→ Rules:      %d\n", len(routes.Table().Rules()))
	fmt.Printf("→ Admin API:  http://%s:%d%s\n", st.Host, st.Port, routing.ReservedPrefix)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", st.Host, st.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

// startBackground re-executes the current binary without --background,
// detached from the terminal, with output appended to the log file.
func startBackground() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--background" || a == "-d" || a == "--background=true" {
			continue
		}
		args = append(args, a)
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Printf("Server started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	return child.Process.Release()
}
