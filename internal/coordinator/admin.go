package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/store"
)

// passStoreErr keeps not-found/exists errors comparable for callers and marks
// everything else as a storage failure.
func passStoreErr(op string, err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExists) {
		return err
	}
	return storageErr(op, err)
}

func (c *Coordinator) GetDaemon(ctx context.Context, name string) (daemon.Spec, error) {
	s, err := c.store.GetDaemon(ctx, name)
	return s, passStoreErr("get daemon", err)
}

// CreateDaemon defines a new daemon. Observed status always starts STOPPED.
func (c *Coordinator) CreateDaemon(ctx context.Context, spec daemon.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	spec.Status = daemon.StatusStopped
	spec.Normalize()
	if spec.LastUpdate.IsZero() {
		spec.LastUpdate = daemon.NewSpec(spec.Name).LastUpdate
	}
	if err := c.store.CreateDaemon(ctx, spec); err != nil {
		return passStoreErr("create daemon", err)
	}
	c.log.Info("daemon created", "daemon", spec.Name, "server", spec.Server, "target", spec.TargetStatus)
	return nil
}

// PutDaemon creates or replaces a definition, keeping the observed status of
// an existing daemon.
func (c *Coordinator) PutDaemon(ctx context.Context, spec daemon.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	cur, err := c.store.GetDaemon(ctx, spec.Name)
	switch {
	case err == nil:
		spec.Status = cur.Status
		spec.LastUpdate = cur.LastUpdate
	case errors.Is(err, store.ErrNotFound):
		spec.Status = daemon.StatusStopped
		spec.LastUpdate = daemon.NewSpec(spec.Name).LastUpdate
	default:
		return storageErr("get daemon", err)
	}
	spec.Normalize()
	return passStoreErr("upsert daemon", c.store.UpsertDaemon(ctx, spec))
}

// PatchDaemon applies the non-nil fields of p and returns the result.
func (c *Coordinator) PatchDaemon(ctx context.Context, name string, p api.DaemonPatch) (daemon.Spec, error) {
	if p.Empty() {
		return daemon.Spec{}, fmt.Errorf("%w: empty patch", ErrInvalidRequest)
	}
	spec, err := c.store.GetDaemon(ctx, name)
	if err != nil {
		return daemon.Spec{}, passStoreErr("get daemon", err)
	}
	if p.StartCommand != nil {
		spec.StartCommand = p.StartCommand
	}
	if p.StopCommand != nil {
		spec.StopCommand = p.StopCommand
	}
	if p.PIDFile != nil {
		spec.PIDFile = *p.PIDFile
	}
	if p.Server != nil {
		spec.Server = *p.Server
	}
	if p.MaxRuntime != nil {
		spec.MaxRuntime = *p.MaxRuntime
	}
	if p.TargetStatus != nil {
		spec.TargetStatus = *p.TargetStatus
	}
	if err := spec.Validate(); err != nil {
		return daemon.Spec{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := c.store.UpsertDaemon(ctx, spec); err != nil {
		return daemon.Spec{}, storageErr("upsert daemon", err)
	}
	c.log.Info("daemon updated", "daemon", name)
	return spec, nil
}

func (c *Coordinator) DeleteDaemon(ctx context.Context, name string) error {
	if err := c.store.DeleteDaemon(ctx, name); err != nil {
		return passStoreErr("delete daemon", err)
	}
	c.runtimes.Delete(name)
	c.log.Info("daemon deleted", "daemon", name)
	return nil
}

// SetTarget changes the desired state of one daemon.
func (c *Coordinator) SetTarget(ctx context.Context, name string, status daemon.Status) error {
	if status != daemon.StatusRunning && status != daemon.StatusStopped {
		return fmt.Errorf("%w: target status %q", ErrInvalidRequest, status)
	}
	if err := c.store.SetTargetStatus(ctx, name, status); err != nil {
		return passStoreErr("set target", err)
	}
	c.log.Info("target status set", "daemon", name, "target", status)
	return nil
}

func (c *Coordinator) Servers(ctx context.Context) ([]daemon.Server, error) {
	s, err := c.store.ListServers(ctx)
	return s, storageErr("list servers", err)
}
