package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/openapi"
	"github.com/relaygate/relaygate/internal/service"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate an OpenAPI document of the route table",
		Long: `Generate an OpenAPI 3.1 document with one path per route rule. Each operation
states its access policy through security requirements and x-gateway-* extensions.`,
		Example: `  relaygate openapi
  relaygate openapi -o routes.json --server-url https://gateway.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutes(cmd.Context(), func(_ *config.Store, routes *service.RouteService) error {
				doc := openapi.Generate(routes.Table().Rules(), openapi.Info{
					Title:     "relaygate routes",
					Version:   versionString(),
					ServerURL: serverURL,
				})
				b, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal OpenAPI document: %w", err)
				}
				if outputFile == "" {
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					return nil
				}
				if err := os.WriteFile(outputFile, append(b, '\n'), 0644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outputFile)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "Server URL to put in the document")

	return cmd
}
