package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetd/internal/auth"
	"github.com/loykin/fleetd/internal/coordinator"
	"github.com/loykin/fleetd/internal/history"
	historyfactory "github.com/loykin/fleetd/internal/history/factory"
	"github.com/loykin/fleetd/internal/lease"
	"github.com/loykin/fleetd/internal/procproxy"
	"github.com/loykin/fleetd/internal/server"
	storefactory "github.com/loykin/fleetd/internal/store/factory"
	fleettls "github.com/loykin/fleetd/internal/tls"
)

func createCoordinatorCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator API server",
		Long: `Run the coordinator: daemon definitions, action dispatch, leases and
the optional process proxy, served over HTTP under <base_path>/api/v1.

Examples:
  fleetd coordinator --config fleetd.toml
  fleetd coordinator --config fleetd.toml --daemonize --pidfile /run/fleetd.pid`,
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
			return runCoordinator(ctx, a)
		},
	}
	addServeFlags(cmd, serveFlags)
	return cmd
}

func addServeFlags(cmd *cobra.Command, f *ServeFlags) {
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background in a new session")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "write the background process pid here")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect background output to this file")
}

func runCoordinator(ctx context.Context, a *app) error {
	cfg := a.cfg.Coordinator

	st, err := storefactory.NewFromDSN(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}

	var recorder *history.Recorder
	if len(cfg.History) > 0 {
		sinks := make([]history.Sink, 0, len(cfg.History))
		for _, dsn := range cfg.History {
			s, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				return fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, s)
		}
		recorder = history.NewRecorder(a.log, 0, sinks...)
		defer func() { _ = recorder.Close() }()
	}

	build := coordinator.StaticBuild(cfg.Build)
	if cfg.BuildFile != "" {
		build, err = coordinator.WatchBuildFile(cfg.BuildFile, a.log)
		if err != nil {
			return fmt.Errorf("build file: %w", err)
		}
		defer func() { _ = build.Close() }()
	}

	coord := coordinator.New(coordinator.Options{
		Store:   st,
		Build:   build,
		History: recorder,
		Logger:  a.log,
		Leases: lease.TableOptions{
			Period:      a.cfg.Lease.Period,
			ExpiryRatio: a.cfg.Lease.ExpiryRatio,
			Logger:      a.log,
		},
		HousekeepingInterval: cfg.HousekeepingInterval,
		StaleAfter:           cfg.StaleAfter,
		ActionTTL:            cfg.ActionTTL,
	})
	defer coord.Close()

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var proxy *procproxy.Proxy
	if cfg.ProcessProxy {
		proxy = procproxy.New(a.log)
		defer proxy.Destroy()
	}
	if err := a.startMetrics(ctx); err != nil {
		return err
	}

	router := server.NewRouter(coord, server.Options{
		BasePath: cfg.BasePath,
		Proxy:    proxy,
		Auth:     authn,
		Metrics:  a.cfg.Metrics.Enabled,
		Logger:   a.log,
	})
	srv := server.NewServer(cfg.Listen, router.Handler())
	tlsConfig, err := fleettls.ServerConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsConfig

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("coordinator listening", "addr", cfg.Listen, "base_path", cfg.BasePath, "tls", tlsConfig != nil, "build", build.Current())
		if tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.log.Info("coordinator shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	return nil
}
