package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gateway configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default relaygate.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd.OutOrStdout(), "relaygate.yaml", force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# relaygate configuration
# Every key can also be set as RELAYGATE_<SECTION>_<KEY>, e.g. RELAYGATE_SERVER_PORT.
# AUTH_SERVICE_URL, API_SERVICE_URL, GATEWAY_PUBLIC_PATHS, NODE_ENV and PORT are honored too.

env: development   # "production" turns on secure cookies

server:
  host: 0.0.0.0
  port: 5000
  cors_origins:
    - http://localhost:3000
  rate_limit: 0          # proxied requests per minute per client IP, 0 disables
  admin_rate_limit: 120  # admin API requests per minute per key

identity:
  url: http://localhost:3001
  timeout: 5s

upstream:
  timeout: 30s

# Base URL per service key referenced by the routes.
services:
  auth: http://localhost:3001
  api: http://localhost:3002

# Requests that never need a token. METHOD:/path or /path; * is one segment, ** anything.
public_paths: /auth/signup,/auth/login,/auth/refresh,/status,/auth/forgot-password

cookies:
  domain: ""
  path: /
  access_max_age: 15m
  refresh_max_age: 168h

# Route declarations. Without a file the built-in auth and api routes are used.
routes:
  file: ""

# Store for routes registered at runtime and admin API keys.
store:
  driver: sqlite   # sqlite, postgres or mysql
  dsn: ""          # empty: <data-dir>/relaygate.db

# Route changes are broadcast to other instances when set.
redis:
  url: ""

log:
  level: info    # debug, info, warn, error
  format: text   # text or json
`

func runConfigInit(out io.Writer, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(out, "Created %s\n", path)
	fmt.Fprintln(out, "Point identity.url and services at your backends, then run 'relaygate serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the effective settings as JSON")

	return cmd
}

func runConfigShow(out io.Writer, jsonOutput bool) error {
	st := loadSettings(viper.GetViper())
	if jsonOutput {
		return printJSON(out, st)
	}

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Fprintf(out, "Config file: %s\n", configFile)
	} else {
		fmt.Fprintln(out, "Config file: (none found, using defaults and environment)")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  listen:        %s:%d\n", st.Host, st.Port)
	fmt.Fprintf(out, "  production:    %t\n", st.Production)
	fmt.Fprintf(out, "  identity:      %s (timeout %s)\n", orNone(st.IdentityURL), st.IdentityTimeout)
	fmt.Fprintf(out, "  upstream:      timeout %s\n", st.UpstreamTimeout)
	keys := make([]string, 0, len(st.Services))
	for k := range st.Services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  service %-6s %s\n", k+":", st.Services[k])
	}
	fmt.Fprintf(out, "  public paths:  %s\n", st.PublicPaths)
	fmt.Fprintf(out, "  cors origins:  %v\n", st.CORSOrigins)
	fmt.Fprintf(out, "  routes file:   %s\n", orNone(st.RoutesFile))
	fmt.Fprintf(out, "  store:         %s\n", st.StoreDriver)
	fmt.Fprintf(out, "  redis:         %s\n", orNone(st.RedisURL))
	fmt.Fprintf(out, "  log:           %s/%s\n", st.LogLevel, st.LogFormat)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
