package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetd/internal/agent"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/notify"
)

func createAgentCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the host agent",
		Long: `Run the host agent: report the daemons alive on this host, execute the
coordinator's start and stop actions and keep the per-host manager lease.

Examples:
  fleetd agent --config fleetd.toml
  fleetd agent --url http://coordinator:8700 --daemonize --logfile /var/log/fleetd-agent.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PIDFile, serveFlags.LogFile)
			}
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			return runAgent(ctx, a, a.notifier())
		},
	}
	addServeFlags(cmd, serveFlags)
	return cmd
}

func runAgent(ctx context.Context, a *app, n *notify.Notifier) error {
	cfg := a.cfg.Agent
	conn := a.connection()
	leases := a.leaseClient(conn, n, nil)
	defer leases.ReleaseAll(context.WithoutCancel(ctx))

	var sampler *metrics.ProcessSampler
	if a.cfg.Metrics.Enabled {
		sampler = metrics.NewProcessSampler(cfg.SampleInterval, a.log)
	}
	if sampler != nil {
		if err := a.startMetrics(ctx, sampler); err != nil {
			return err
		}
	}

	ag := agent.New(agent.Options{
		Hostname:     a.cfg.Hostname,
		Environment:  a.cfg.Environment,
		Coordinator:  conn,
		Executor:     agent.NewProcessExecutor(cfg.StartGrace, cfg.StopPoll, a.log),
		Leases:       leases,
		Notifier:     n,
		Sampler:      sampler,
		Logger:       a.log,
		LockFile:     cfg.LockFile,
		CacheTTL:     cfg.CacheTTL,
		BusyInterval: cfg.BusyInterval,
		IdleInterval: cfg.IdleInterval,
		RestartDelay: cfg.RestartDelay,
	})
	err := ag.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
