package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcprouter/mcprouter/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the config without starting the router",
	Long: `validate-config performs the same strict load, normalization, and
validation as start, then exits. It never binds a listener or dials an
upstream, so it's safe to run in CI or a pre-deploy hook against a config
file that points at servers that aren't reachable yet.

Exits non-zero and prints the validation error on failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		path := config.ConfigFileUsed()
		if path == "" {
			path = "(none found; using defaults and environment)"
		}

		fmt.Fprintf(os.Stdout, "config OK: %s\n", path)
		fmt.Fprintf(os.Stdout, "  upstreams: %d\n", len(cfg.Upstreams))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateConfigCmd)
}
