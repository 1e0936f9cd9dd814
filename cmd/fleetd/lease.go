package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetd/internal/lease"
)

func createLeaseCommand(globalFlags *GlobalFlags, flags *LeaseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect leases or run a command under one",
	}
	cmd.AddCommand(createLeaseListCommand(globalFlags), createLeaseRunCommand(globalFlags, flags))
	return cmd
}

func createLeaseListCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List leases currently held",
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
			ls, err := c.Leases(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tOWNER\tEXPIRES")
			for _, l := range ls {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Name, l.Owner, l.ExpiresAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func createLeaseRunCommand(globalFlags *GlobalFlags, flags *LeaseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run NAME -- command [args...]",
		Short: "Run a command while holding a cluster-wide lease",
		Long: `Acquire the lease NAME (or NAME:<hostname> with --per-server), run the
command while keeping the lease asserted, then release it.

Without --wait the lease is given up after three lease periods and fleetd exits
with code 2; losing the lease while the command runs exits with code 3.

Examples:
  fleetd lease run nightly-report -- /opt/reports/run.sh
  fleetd lease run indexer --wait -- /opt/indexer/bin/indexer`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()

			// #nosec G204 the command is the operator's own argument
			child := exec.CommandContext(ctx, args[1], args[2:]...)
			child.Stdin, child.Stdout, child.Stderr = os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr()
			guard := &leasedCommand{cmd: child, exit: os.Exit}

			lc := a.leaseClient(a.connection(), a.notifier(), guard.lost)
			name := args[0]
			if flags.PerServer {
				name = lease.PerServerName(name, a.cfg.Hostname)
			}
			if err := lc.Acquire(ctx, name, flags.WaitForever); err != nil {
				return err
			}
			defer lc.Release(context.WithoutCancel(ctx), name)

			err = guard.run()
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				return fmt.Errorf("%s exited with code %d", args[1], ee.ExitCode())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.PerServer, "per-server", false, "use the per-host lease NAME:<hostname>")
	cmd.Flags().BoolVar(&flags.WaitForever, "wait", false, "wait for the lease instead of giving up")
	return cmd
}

// leasedCommand runs a command that must not outlive its lease.
type leasedCommand struct {
	cmd  *exec.Cmd
	exit func(code int)

	mu     sync.Mutex
	done   chan struct{}
	killed bool
}

func (l *leasedCommand) run() error {
	l.mu.Lock()
	if l.killed {
		l.mu.Unlock()
		return lease.ErrLeaseLost
	}
	if err := l.cmd.Start(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()
	err := l.cmd.Wait()
	close(done)
	return err
}

// lost kills the command, waits until it is reaped and exits with code.
func (l *leasedCommand) lost(code int) {
	l.mu.Lock()
	l.killed = true
	done := l.done
	l.mu.Unlock()
	if done != nil {
		_ = l.cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	}
	l.exit(code)
}
