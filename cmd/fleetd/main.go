package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createCoordinatorCommand(globalFlags, &ServeFlags{}),
		createAgentCommand(globalFlags, &ServeFlags{}),
		createSuperviseCommand(globalFlags, &SuperviseFlags{}),
		createCtlCommand(globalFlags, &CtlFlags{}),
		createEditCommand(globalFlags),
		createExportCommand(globalFlags),
		createImportCommand(globalFlags),
		createLeaseCommand(globalFlags, &LeaseFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Daemon fleet orchestration",
		Long: `fleetd keeps long-running daemons on many hosts in their declared state.

A coordinator holds the daemon definitions and hands out one action at a time;
an agent on each host starts and stops daemons; a supervisor keeps a single
child alive with a crash-restart policy.

Examples:
  fleetd coordinator --config fleetd.toml
  fleetd agent --config fleetd.toml --daemonize
  fleetd supervise --config fleetd.toml -- /opt/app/bin/server --port 9000
  fleetd ctl BLOCK_START web api
  fleetd edit DAEMON web SET SERVER host1`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.URL, "url", "", "coordinator URL, overrides client.url")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "fleetd %s\n", version)
			return err
		},
	}
}
