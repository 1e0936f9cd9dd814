package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fleetd/internal/config"
	"github.com/loykin/fleetd/internal/connection"
	"github.com/loykin/fleetd/internal/lease"
	"github.com/loykin/fleetd/internal/logger"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/notify"
	"github.com/loykin/fleetd/pkg/client"
)

// app is what every command needs after flags are parsed.
type app struct {
	cfg    config.Config
	log    *slog.Logger
	closer io.Closer
}

func loadApp(flags *GlobalFlags, console io.Writer) (*app, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.URL != "" {
		cfg.Client.URL = flags.URL
	}
	log, closer, err := logger.New(cfg.Log, console)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(log)
	return &app{cfg: cfg, log: log, closer: closer}, nil
}

func (r *app) Close() { _ = r.closer.Close() }

func (r *app) client() (*client.Client, error) {
	c := r.cfg.Client
	return client.New(client.Config{
		BaseURL:  c.URL,
		Timeout:  c.Timeout,
		Username: c.Username,
		Password: c.Password,
		CAFile:   c.CAFile,
		Insecure: c.InsecureSkipVerify,
		Logger:   r.log,
	})
}

// connection returns a manager that redials the coordinator and retries
// connectivity failures forever.
func (r *app) connection() *connection.Manager {
	dial := func() (connection.Coordinator, error) { return r.client() }
	return connection.NewManager(dial, connection.Options{
		RetryInterval: r.cfg.Client.RetryInterval,
		Retryable:     client.IsRetryable,
		Logger:        r.log,
	})
}

// leaseClient builds a lease client; exit runs when a lease cannot be held
// and defaults to os.Exit.
func (r *app) leaseClient(api lease.Leaser, n *notify.Notifier, exit func(code int)) *lease.Client {
	return lease.NewClient(api, lease.ClientOptions{
		Hostname:       r.cfg.Hostname,
		Period:         r.cfg.Lease.Period,
		AssertInterval: r.cfg.Lease.AssertInterval,
		Logger:         r.log,
		Notifier:       n,
		Exit:           exit,
	})
}

func (r *app) notifier() *notify.Notifier {
	n := notify.New(r.log, notify.LogHandler{Logger: r.log})
	if url := r.cfg.Notify.Webhook; url != "" {
		n.Add(notify.WebhookHandler{URL: url, Hostname: r.cfg.Hostname, Client: &http.Client{Timeout: 10 * time.Second}})
	}
	return n
}

// startMetrics registers collectors and, when metrics.listen is set, serves
// /metrics on its own listener until ctx ends.
func (r *app) startMetrics(ctx context.Context, samplers ...*metrics.ProcessSampler) error {
	if !r.cfg.Metrics.Enabled {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	for _, s := range samplers {
		if err := s.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register process metrics: %w", err)
		}
	}
	addr := r.cfg.Metrics.Listen
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		r.log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("metrics server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	return nil
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
