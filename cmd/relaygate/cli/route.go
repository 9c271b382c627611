package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/openapi"
	"github.com/relaygate/relaygate/internal/routing"
	"github.com/relaygate/relaygate/internal/service"
)

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "route",
		Aliases: []string{"routes"},
		Short:   "Inspect and change the route table",
		Long: `Inspect the effective route table (configured routes plus those registered at runtime),
explain how a request would be handled, and import sub-routes from an OpenAPI document.
Changes are written to the store; running gateways pick them up on restart or, with
redis.url set, immediately.`,
	}

	cmd.AddCommand(newRouteListCmd())
	cmd.AddCommand(newRouteResolveCmd())
	cmd.AddCommand(newRouteImportCmd())

	return cmd
}

// withRoutes opens the store and route table for a one-shot command.
func withRoutes(ctx context.Context, fn func(*config.Store, *service.RouteService) error) error {
	st := loadSettings(viper.GetViper())
	logger := newLogger(os.Stderr, "warn", st.LogFormat, false)

	store, err := openStore(st)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	routes, err := buildRouteService(ctx, st, store, logger)
	if err != nil {
		return err
	}
	return fn(store, routes)
}

// ---------- route list ----------

func newRouteListCmd() *cobra.Command {
	var (
		serviceKey string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List route rules in match order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutes(cmd.Context(), func(_ *config.Store, routes *service.RouteService) error {
				return runRouteList(cmd.OutOrStdout(), routes.Table(), serviceKey, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&serviceKey, "service", "", "Only list rules of this service key")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runRouteList(out io.Writer, table *routing.Table, serviceKey string, jsonOutput bool) error {
	var rules []model.RouteRule
	for _, r := range table.Rules() {
		if serviceKey == "" || r.ServiceKey == serviceKey {
			rules = append(rules, r)
		}
	}

	if jsonOutput {
		return printJSON(out, rules)
	}
	if len(rules) == 0 {
		fmt.Fprintln(out, "No matching rules.")
		return nil
	}

	fmt.Fprintf(out, "%-32s %-8s %-22s %-26s %s\n", "PATH", "SERVICE", "METHODS", "ACCESS", "PUBLIC QUERY")
	fmt.Fprintf(out, "%-32s %-8s %-22s %-26s %s\n", "----", "-------", "-------", "------", "------------")
	for _, r := range rules {
		path := r.PathPattern
		if r.CatchAll {
			path += "/**"
		}
		methods := "any"
		if len(r.Methods) > 0 {
			methods = strings.Join(r.Methods, ",")
		}
		fmt.Fprintf(out, "%-32s %-8s %-22s %-26s %s\n",
			path, r.ServiceKey, methods, describeAccess(r), strings.Join(r.PublicQueryParams, ","))
	}
	return nil
}

func describeAccess(r model.RouteRule) string {
	switch {
	case r.IsPublic:
		return "public"
	case r.AllowedRoles == nil:
		return "authenticated"
	case len(r.AllowedRoles) == 0:
		return "nobody"
	default:
		return model.JoinRoles(r.AllowedRoles)
	}
}

// ---------- route resolve ----------

func newRouteResolveCmd() *cobra.Command {
	var (
		method     string
		role       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Explain how the gateway handles a request",
		Example: `  relaygate route resolve /api/offers --method POST --role BUSINESS
  relaygate route resolve "/api/offers?preview=1"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutes(cmd.Context(), func(_ *config.Store, routes *service.RouteService) error {
				return runRouteResolve(cmd.OutOrStdout(), routes.Table(), args[0], method, role, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVar(&role, "role", "", "Caller role (omit for an unauthenticated caller)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runRouteResolve(out io.Writer, table *routing.Table, path, method, roleName string, jsonOutput bool) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must start with /", path)
	}
	var role model.Role
	if roleName != "" {
		r, err := model.ParseRole(roleName)
		if err != nil {
			return err
		}
		role = r
	}

	d := table.Explain(path, strings.ToUpper(method), role)
	if jsonOutput {
		return printJSON(out, d)
	}

	fmt.Fprintf(out, "%s %s as %s\n", d.Method, d.Path, orNone(string(d.Role)))
	if d.Rule != nil {
		fmt.Fprintf(out, "  rule:    %s (service %s, %s)\n", d.Rule.PathPattern, d.Rule.ServiceKey, describeAccess(*d.Rule))
	}
	if d.Allowed {
		fmt.Fprintf(out, "  result:  forwarded to %s%s\n", d.ServiceURL, path)
		return nil
	}
	fmt.Fprintf(out, "  result:  %d %s\n", d.Error.StatusCode, d.Error.Message)
	return nil
}

// ---------- route import ----------

func newRouteImportCmd() *cobra.Command {
	var (
		basePath   string
		serviceKey string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "import <openapi-file>",
		Short: "Derive sub-routes from an OpenAPI document",
		Long: `Read an OpenAPI 3 document (JSON or YAML) and add one sub-route per path and access
policy below --base-path. Operations with an empty security requirement become public;
BearerAuth scopes "role:<ROLE>" become allowed roles; x-gateway-roles and
x-gateway-public-query override. When no service exists at --base-path, pass
--service-key to register one.`,
		Example: `  relaygate route import billing.yaml --base-path /billing --service-key billing
  relaygate route import api.json --base-path /api --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read OpenAPI document: %w", err)
			}
			return withRoutes(cmd.Context(), func(_ *config.Store, routes *service.RouteService) error {
				return runRouteImport(cmd.Context(), cmd.OutOrStdout(), routes, data, basePath, serviceKey, dryRun)
			})
		},
	}

	cmd.Flags().StringVar(&basePath, "base-path", "", "Base path the document's paths live under (required)")
	cmd.Flags().StringVar(&serviceKey, "service-key", "", "Service key when registering a new service")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the derived sub-routes without storing them")
	cmd.MarkFlagRequired("base-path")

	return cmd
}

func runRouteImport(ctx context.Context, out io.Writer, routes *service.RouteService, data []byte, basePath, serviceKey string, dryRun bool) error {
	subs, err := openapi.Import(ctx, data, basePath)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("the document declares no operations")
	}

	if dryRun {
		return printJSON(out, subs)
	}

	exists := false
	for _, svc := range routes.Table().Services() {
		if svc.BasePath == basePath {
			exists = true
			break
		}
	}

	if !exists {
		if serviceKey == "" {
			return fmt.Errorf("no service at %s; pass --service-key to register one", basePath)
		}
		svc, err := routes.RegisterService(ctx, model.ServiceRoutes{
			BasePath:   basePath,
			ServiceKey: serviceKey,
			Routes:     subs,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Registered service %s (%s) with %d sub-routes\n", svc.BasePath, svc.ServiceKey, len(svc.Routes))
		return nil
	}

	// AddSubRoute prepends, so walk backwards to keep the document order.
	for i := len(subs) - 1; i >= 0; i-- {
		if _, err := routes.AddSubRoute(ctx, basePath, subs[i]); err != nil {
			return fmt.Errorf("add %s%s: %w", basePath, subs[i].Path, err)
		}
	}
	fmt.Fprintf(out, "Added %d sub-routes to %s\n", len(subs), basePath)
	return nil
}
