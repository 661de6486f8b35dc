// Package cmd provides the CLI commands for the MCP router.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcprouter/mcprouter/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcp-router",
	Short: "mcp-router - MCP tool-invocation request router",
	Long: `mcp-router routes MCP tool-invocation requests across a pool of
upstream MCP servers, enforcing per-token/per-project authorization, rate
limits, and circuit breaking, and recording an audit trail.

Quick start:
  1. Create a config file: mcp-router.yaml
  2. Run: mcp-router start

Configuration:
  Config is loaded from mcp-router.yaml in the current directory,
  $HOME/.mcp-router/, or /etc/mcp-router/.

  Environment variables can override config values with the MCP_ROUTER_
  prefix. Example: MCP_ROUTER_LISTEN_HTTP_PORT=9090

Commands:
  start            Start the router
  validate-config  Load and validate the config, then exit
  version          Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcp-router.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
