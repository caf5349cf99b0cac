package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// flags override the environment configuration
type flags struct {
	envFile       string
	composePath   string
	oneShot       bool
	noDashboard   bool
	dashboardPort string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "mcp-orchestrator",
		Short: "Keep MCP server containers and their load-balancer routes converged",
		Long: `mcp-orchestrator reads the desired MCP services from a compose file,
runs one container per enabled service on this host and keeps an
Application Load Balancer target group and path rule pointed at each one.
It reconciles at startup, on an interval, when the file changes and on demand.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, cmd.Flags().Changed)
		},
	}

	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "Path to an env file loaded before the process environment")
	cmd.Flags().StringVar(&f.composePath, "compose", "", "Path to the desired-state compose file (overrides COMPOSE_PATH)")
	cmd.Flags().BoolVar(&f.oneShot, "one-shot", false, "Run a single reconciliation cycle and exit")
	cmd.Flags().BoolVar(&f.noDashboard, "no-dashboard", false, "Do not start the status API")
	cmd.Flags().StringVar(&f.dashboardPort, "dashboard-port", "", "Status API port (overrides PORT)")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
