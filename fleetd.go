// Package fleetd exposes the coordinator, client and supervisor for embedding
// in other programs.
package fleetd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/fleetd/internal/config"
	"github.com/loykin/fleetd/internal/coordinator"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/server"
	"github.com/loykin/fleetd/internal/store"
	"github.com/loykin/fleetd/internal/store/factory"
	"github.com/loykin/fleetd/internal/supervisor"
	"github.com/loykin/fleetd/pkg/client"
)

// Re-export core types for external consumers.

type Spec = daemon.Spec

type Status = daemon.Status

type Action = daemon.Action

type Config = config.Config

type Client = client.Client

type ClientConfig = client.Config

type TaskFunc = supervisor.TaskFunc

const (
	StatusRunning = daemon.StatusRunning
	StatusStopped = daemon.StatusStopped
)

// LoadConfig reads a TOML or YAML file; an empty path yields defaults plus
// FLEETD_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

func NewSpec(name string) Spec { return daemon.NewSpec(name) }

func NewClient(cfg ClientConfig) (*Client, error) { return client.New(cfg) }

// Coordinator is a thin facade over internal/coordinator with its store.
type Coordinator struct {
	inner *coordinator.Coordinator
	store store.Store
	log   *slog.Logger
}

// NewCoordinator opens the store named by dsn (memory://, sqlite://,
// postgres://), creates its schema and serves build as the build number.
func NewCoordinator(ctx context.Context, dsn, build string, logger *slog.Logger) (*Coordinator, error) {
	st, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	inner := coordinator.New(coordinator.Options{Store: st, Build: coordinator.StaticBuild(build), Logger: logger})
	return &Coordinator{inner: inner, store: st, log: logger}, nil
}

// Handler returns the HTTP API mounted under basePath.
func (c *Coordinator) Handler(basePath string) http.Handler {
	return server.NewRouter(c.inner, server.Options{BasePath: basePath, Logger: c.log}).Handler()
}

func (c *Coordinator) CreateDaemon(ctx context.Context, spec Spec) error {
	return c.inner.CreateDaemon(ctx, spec)
}

func (c *Coordinator) GetDaemon(ctx context.Context, name string) (Spec, error) {
	return c.inner.GetDaemon(ctx, name)
}

func (c *Coordinator) SetTarget(ctx context.Context, name string, status Status) error {
	return c.inner.SetTarget(ctx, name, status)
}

func (c *Coordinator) Close() error {
	c.inner.Close()
	return c.store.Close()
}

// Supervise keeps task running in-process, relaunching it after it returns,
// until ctx ends.
func Supervise(ctx context.Context, name string, task TaskFunc, logger *slog.Logger) error {
	reg := supervisor.NewRegistry()
	if err := reg.Register(name, task); err != nil {
		return err
	}
	sup, err := supervisor.New(supervisor.Options{
		Name:     name,
		Mode:     supervisor.ModeInProcess,
		Task:     name,
		Registry: reg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}
