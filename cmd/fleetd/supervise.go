package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/notify"
	"github.com/loykin/fleetd/internal/supervisor"
)

func createSuperviseCommand(globalFlags *GlobalFlags, flags *SuperviseFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise [-- command args...]",
		Short: "Keep one child process or built-in task running",
		Long: `Supervise a child forever: its output is logged, crashes are followed by a
grace period and a restart request, and a new coordinator build restarts it.

Built-in in-process tasks: agent, coordinator.

Examples:
  fleetd supervise --config app.toml -- /opt/app/bin/server --port 9000
  fleetd supervise --mode inprocess --task agent --restart-mode relaunch
  fleetd supervise --name billing --singleton -- /opt/billing/run.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(globalFlags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			applySuperviseFlags(a, flags, args)
			ctx, stop := signalContext()
			defer stop()
			return runSupervisor(ctx, a, a.notifier())
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "unit name, also the singleton lease name")
	cmd.Flags().StringVar(&flags.Mode, "mode", "", "external or inprocess")
	cmd.Flags().StringVar(&flags.Task, "task", "", "in-process task id")
	cmd.Flags().StringVar(&flags.PIDFile, "pidfile", "", "write the supervisor pid here")
	cmd.Flags().StringVar(&flags.RestartMode, "restart-mode", "", "exit, relaunch or command")
	cmd.Flags().BoolVar(&flags.Singleton, "singleton", false, "hold a cluster-wide lease named after the unit")
	return cmd
}

func applySuperviseFlags(a *app, f *SuperviseFlags, args []string) {
	s := &a.cfg.Supervisor
	if f.Name != "" {
		s.Name = f.Name
	}
	if f.Mode != "" {
		s.Mode = f.Mode
	}
	if f.Task != "" {
		s.Task = f.Task
		if f.Mode == "" {
			s.Mode = supervisor.ModeInProcess
		}
	}
	if f.PIDFile != "" {
		s.PIDFile = f.PIDFile
	}
	if f.RestartMode != "" {
		s.RestartMode = f.RestartMode
	}
	if f.Singleton {
		s.Singleton = true
	}
	if len(args) > 0 {
		s.Command = args
	}
}

// builtinTasks lets the supervisor host the agent or the coordinator in
// process.
func builtinTasks(a *app, n *notify.Notifier) *supervisor.Registry {
	reg := supervisor.NewRegistry()
	_ = reg.Register("agent", func(ctx context.Context) error { return runAgent(ctx, a, n) })
	_ = reg.Register("coordinator", func(ctx context.Context) error { return runCoordinator(ctx, a) })
	return reg
}

func runSupervisor(ctx context.Context, a *app, n *notify.Notifier) error {
	cfg := a.cfg.Supervisor
	restarter, err := supervisor.NewRestarter(cfg.RestartMode, cfg.RestartCommand, cfg.RestartWait, nil, a.log)
	if err != nil {
		return err
	}
	conn := a.connection()
	// losing the singleton lease kills the child before the process exits
	var sup *supervisor.Supervisor
	leases := a.leaseClient(conn, n, func(code int) { sup.Terminate(code) })
	defer leases.ReleaseAll(context.WithoutCancel(ctx))

	localBuild := cfg.LocalBuild
	if localBuild == "" && version != "dev" {
		localBuild = version
	}

	opts := supervisor.Options{
		Name:          cfg.Name,
		Mode:          cfg.Mode,
		Command:       cfg.Command,
		Task:          cfg.Task,
		Registry:      builtinTasks(a, n),
		WorkDir:       cfg.WorkDir,
		Env:           cfg.Env,
		PIDFile:       cfg.PIDFile,
		Singleton:     cfg.Singleton,
		Leases:        leases,
		CrashGrace:    cfg.CrashGrace,
		RelaunchDelay: cfg.RelaunchDelay,
		BuildPoll:     cfg.BuildPoll,
		KillGrace:     cfg.KillGrace,
		StageSource:   cfg.StageSource,
		StageTarget:   cfg.StageTarget,
		LocalBuild:    localBuild,
		Restarter:     restarter,
		Build:         conn,
		Notifier:      n,
		Logger:        a.log,
	}
	sup, err = supervisor.New(opts)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if a.cfg.Metrics.Enabled {
		sampler := metrics.NewProcessSampler(a.cfg.Agent.SampleInterval, a.log)
		if err := a.startMetrics(ctx, sampler); err != nil {
			return err
		}
		sampler.Start(ctx, sup.PIDs)
		defer sampler.Stop()
	}
	return sup.Run(ctx)
}
