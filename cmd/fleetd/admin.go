package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetd/internal/control"
)

func createCtlCommand(globalFlags *GlobalFlags, flags *CtlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl VERB [daemon...]",
		Short: "Change daemon target states",
		Long: `Set target states through the coordinator.

Verbs: START, STOP, RESTART, SHUTDOWN. Prefix a verb with BLOCK_ to wait until
every named daemon reports its target state. SHUTDOWN stops every daemon.

Examples:
  fleetd ctl START web
  fleetd ctl BLOCK_RESTART web api
  fleetd ctl BLOCK_SHUTDOWN --timeout 10m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if flags.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
				defer cancel()
			}
			ctl := control.NewController(c, a.log)
			if flags.Poll > 0 {
				ctl.Poll = flags.Poll
			}
			return ctl.Do(ctx, args[0], args[1:])
		},
	}
	cmd.Flags().DurationVar(&flags.Poll, "poll", time.Second, "status poll interval for BLOCK_ verbs")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

func createEditCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit COMMAND...",
		Short: "Create, change and list daemon definitions",
		Long: "Edit daemon definitions on the coordinator.\n\nCommands:\n" + control.Usage() + `

Examples:
  fleetd edit CREATE web
  fleetd edit DAEMON web SET START /opt/web/bin/web --port 80
  fleetd edit DAEMON web SET PID /var/run/web-$server_name$.pid
  fleetd edit LIST RUNNING`,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.client()
			if err != nil {
				return err
			}
			return control.NewEditor(c, cmd.OutOrStdout()).Exec(cmd.Context(), args)
		},
	}
	// command lines given to SET START and SET STOP carry their own flags
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func createExportCommand(globalFlags *GlobalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every daemon definition as YAML",
		Example: `  fleetd export > daemons.yaml
  fleetd export --file daemons.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.client()
			if err != nil {
				return err
			}
			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(filepath.Clean(out))
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return control.Export(cmd.Context(), c, w)
		},
	}
	cmd.Flags().StringVar(&out, "file", "", "write to this file instead of stdout")
	return cmd
}

func createImportCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "import FILE",
		Short:   "Create or replace daemon definitions from YAML",
		Example: `  fleetd import daemons.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.client()
			if err != nil {
				return err
			}
			f, err := os.Open(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			n, err := control.Import(cmd.Context(), c, f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d daemon(s)\n", n)
			return err
		},
	}
}
