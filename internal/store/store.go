package store

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/fleetd/internal/daemon"
)

// ErrNotFound is returned when a named daemon or server does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned by Create when the daemon is already defined.
var ErrExists = errors.New("already exists")

// Store persists daemon and server definitions for the coordinator.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetDaemon(ctx context.Context, name string) (daemon.Spec, error)
	ListDaemons(ctx context.Context) ([]daemon.Spec, error)
	// CreateDaemon inserts spec and fails with ErrExists if the name is taken.
	CreateDaemon(ctx context.Context, spec daemon.Spec) error
	UpsertDaemon(ctx context.Context, spec daemon.Spec) error
	DeleteDaemon(ctx context.Context, name string) error

	// SetStatus writes the observed status and bumps LastUpdate.
	SetStatus(ctx context.Context, name string, status daemon.Status) error
	SetTargetStatus(ctx context.Context, name string, status daemon.Status) error
	// SetServer assigns a daemon to host, creating the server record if needed.
	// An empty host unassigns the daemon.
	SetServer(ctx context.Context, name, host string) error

	// ExpectedRunning lists daemons assigned to host (case-insensitive) whose
	// target status is RUNNING, ordered by name.
	ExpectedRunning(ctx context.Context, host string) ([]string, error)
	// ExpireStale flips RUNNING daemons whose LastUpdate is before the cutoff to STOPPED.
	ExpireStale(ctx context.Context, before time.Time) (int64, error)

	UpsertServer(ctx context.Context, host string) error
	ListServers(ctx context.Context) ([]daemon.Server, error)

	Close() error
}
