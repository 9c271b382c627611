package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/relaygate/relaygate/internal/idp"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/server/middleware"
)

type idpOptions struct {
	port       int
	usersFile  string
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	email      string
	password   string
	role       string
}

func newIDPCmd() *cobra.Command {
	var opts idpOptions

	cmd := &cobra.Command{
		Use:   "idp",
		Short: "Run a development identity service",
		Long: `Run a small identity service implementing the contract the gateway validates against:
POST /auth/login, /auth/validate, /auth/refresh and /auth/logout, with HS256 JWTs carried
in the accessToken and refreshToken cookies.

Users come from a YAML file (--users) or a single account given by --email. Without
--password the password is prompted for. Point the gateway at it with
identity.url: http://localhost:<port>.`,
		Example: `  relaygate idp --users users.yaml
  relaygate idp --email admin@example.com --role ADMIN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIDP(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 3001, "Port to listen on")
	cmd.Flags().StringVar(&opts.usersFile, "users", "", "YAML users file")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "HMAC signing secret (env: RELAYGATE_IDP_SECRET)")
	cmd.Flags().DurationVar(&opts.accessTTL, "access-ttl", 15*time.Minute, "Access token lifetime")
	cmd.Flags().DurationVar(&opts.refreshTTL, "refresh-ttl", 7*24*time.Hour, "Refresh token lifetime")
	cmd.Flags().StringVar(&opts.email, "email", "", "Email of a single user to create")
	cmd.Flags().StringVar(&opts.password, "password", "", "Password of that user (prompted if omitted)")
	cmd.Flags().StringVar(&opts.role, "role", string(model.RoleUser), "Role of that user")

	viper.BindPFlag("idp.secret", cmd.Flags().Lookup("secret"))

	return cmd
}

func runIDP(cmd *cobra.Command, opts idpOptions) error {
	st := loadSettings(viper.GetViper())
	logger := newLogger(os.Stderr, st.LogLevel, st.LogFormat, !st.Production)

	secret := viper.GetString("idp.secret")
	if secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or RELAYGATE_IDP_SECRET)")
	}

	users := idp.NewDirectory()
	if opts.usersFile != "" {
		if err := users.LoadUsers(opts.usersFile); err != nil {
			return err
		}
	}
	if opts.email != "" {
		if err := addPromptedUser(cmd, users, opts); err != nil {
			return err
		}
	}
	if users.Len() == 0 {
		return fmt.Errorf("no users: pass --users or --email")
	}

	srv := idp.NewServer(idp.Config{
		Users:        users,
		Issuer:       idp.NewIssuer(secret, opts.accessTTL, opts.refreshTTL, time.Now),
		SecureCookie: st.Production,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.port),
		Handler:      middleware.RequestID(middleware.Logger(logger)(srv.Handler())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("identity service started", "addr", httpServer.Addr, "users", users.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down identity service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func addPromptedUser(cmd *cobra.Command, users *idp.Directory, opts idpOptions) error {
	if !strings.Contains(opts.email, "@") {
		return fmt.Errorf("invalid email address: %q", opts.email)
	}
	role, err := model.ParseRole(opts.role)
	if err != nil {
		return err
	}

	password := opts.password
	if password == "" {
		out := cmd.ErrOrStderr()
		fmt.Fprint(out, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm password: ")
		confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(out)

		if string(pw) != string(confirm) {
			return fmt.Errorf("passwords do not match")
		}
		password = string(pw)
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	_, err = users.Add(opts.email, password, role, true)
	return err
}
