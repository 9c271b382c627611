package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/model"
	"github.com/relaygate/relaygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage admin API keys",
		Long:    "Create, list, and revoke API keys that authenticate against the /_gateway admin API (header X-API-Key).",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

func openKeyStore() (*config.Store, error) {
	store, err := openStore(loadSettings(viper.GetViper()))
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	return store, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		label string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin API key",
		Long:  "Generate a new admin API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  relaygate key create --label "deploy pipeline"
  relaygate key create --label temp --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return runKeyCreate(cmd.Context(), cmd.OutOrStdout(), store, label, ttl)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime of the key (0 means no expiry)")

	return cmd
}

func runKeyCreate(ctx context.Context, out io.Writer, store *config.Store, label string, ttl time.Duration) error {
	rawKey, key, err := service.NewAuthService(store).CreateAPIKey(ctx, label, ttl)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Fprintln(out, "API Key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:     %s\n", rawKey)
	fmt.Fprintf(out, "  Prefix:  %s\n", key.KeyPrefix)
	if label != "" {
		fmt.Fprintf(out, "  Label:   %s\n", label)
	}
	if key.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all admin API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return runKeyList(cmd.Context(), cmd.OutOrStdout(), store, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(ctx context.Context, out io.Writer, store *config.Store, jsonOutput bool) error {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		return printJSON(out, keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys configured. Use 'relaygate key create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-14s %-24s %-8s %-20s %-20s\n", "PREFIX", "LABEL", "ACTIVE", "EXPIRES", "LAST USED")
	fmt.Fprintf(out, "%-14s %-24s %-8s %-20s %-20s\n", "------", "-----", "------", "-------", "---------")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		fmt.Fprintf(out, "%-14s %-24s %-8s %-20s %-20s\n",
			k.KeyPrefix, k.Label, active, formatOptionalTime(k.ExpiresAt), formatOptionalTime(k.LastUsed))
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an admin API key by its prefix",
		Long:  "Deactivate an API key, preventing any further admin API requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return runKeyRevoke(cmd.Context(), cmd.OutOrStdout(), store, args[0])
		},
	}

	return cmd
}

func runKeyRevoke(ctx context.Context, out io.Writer, store *config.Store, prefix string) error {
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	var matched []model.APIKey
	for _, k := range keys {
		if k.IsActive && strings.HasPrefix(k.KeyPrefix, prefix) {
			matched = append(matched, k)
		}
	}
	switch len(matched) {
	case 0:
		return fmt.Errorf("no active API key found with prefix %q", prefix)
	case 1:
	default:
		return fmt.Errorf("prefix %q matches %d keys; use a longer prefix", prefix, len(matched))
	}

	if err := store.RevokeAPIKeyByPrefix(ctx, matched[0].KeyPrefix); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Fprintf(out, "Revoked API key with prefix %q\n", matched[0].KeyPrefix)
	return nil
}
