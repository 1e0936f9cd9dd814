// Package memory is an in-process store.Store used by tests and by
// single-node deployments that do not need persistence.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/store"
)

type DB struct {
	mu      sync.RWMutex
	daemons map[string]daemon.Spec
	servers map[string]daemon.Server
	now     func() time.Time
}

func New() *DB {
	return &DB{
		daemons: make(map[string]daemon.Spec),
		servers: make(map[string]daemon.Server),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for LastUpdate and server creation.
func (m *DB) WithClock(now func() time.Time) *DB {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *DB) EnsureSchema(context.Context) error { return nil }
func (m *DB) Close() error                       { return nil }

func notFound(name string) error {
	return fmt.Errorf("daemon %q: %w", name, store.ErrNotFound)
}

func (m *DB) GetDaemon(_ context.Context, name string) (daemon.Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.daemons[name]
	if !ok {
		return daemon.Spec{}, notFound(name)
	}
	return d.Clone(), nil
}

func (m *DB) ListDaemons(context.Context) ([]daemon.Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]daemon.Spec, 0, len(m.daemons))
	for _, d := range m.daemons {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *DB) put(spec daemon.Spec) {
	spec = spec.Clone()
	spec.Normalize()
	// sub-millisecond precision is not kept by the SQL backends either
	spec.MaxRuntime = spec.MaxRuntime.Truncate(time.Millisecond)
	spec.LastUpdate = spec.LastUpdate.Truncate(time.Millisecond).UTC()
	if spec.Server != "" {
		m.addServer(spec.Server)
	}
	m.daemons[spec.Name] = spec
}

func (m *DB) CreateDaemon(_ context.Context, spec daemon.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.daemons[spec.Name]; ok {
		return fmt.Errorf("daemon %q: %w", spec.Name, store.ErrExists)
	}
	m.put(spec)
	return nil
}

func (m *DB) UpsertDaemon(_ context.Context, spec daemon.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(spec)
	return nil
}

func (m *DB) DeleteDaemon(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.daemons[name]; !ok {
		return notFound(name)
	}
	delete(m.daemons, name)
	return nil
}

func (m *DB) update(name string, fn func(*daemon.Spec)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daemons[name]
	if !ok {
		return notFound(name)
	}
	fn(&d)
	m.daemons[name] = d
	return nil
}

func (m *DB) SetStatus(_ context.Context, name string, status daemon.Status) error {
	return m.update(name, func(d *daemon.Spec) {
		d.Status = status
		d.LastUpdate = m.now().Truncate(time.Millisecond).UTC()
	})
}

func (m *DB) SetTargetStatus(_ context.Context, name string, status daemon.Status) error {
	return m.update(name, func(d *daemon.Spec) { d.TargetStatus = status })
}

func (m *DB) SetServer(_ context.Context, name, host string) error {
	return m.update(name, func(d *daemon.Spec) {
		if host != "" {
			m.addServer(host)
		}
		d.Server = host
	})
}

func (m *DB) ExpectedRunning(_ context.Context, host string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, d := range m.daemons {
		if d.Server != "" && strings.EqualFold(d.Server, host) && d.TargetStatus == daemon.StatusRunning {
			out = append(out, d.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *DB) ExpireStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for name, d := range m.daemons {
		if d.Status == daemon.StatusRunning && d.LastUpdate.Before(before) {
			d.Status = daemon.StatusStopped
			m.daemons[name] = d
			n++
		}
	}
	return n, nil
}

// addServer requires m.mu held for writing.
func (m *DB) addServer(host string) {
	if _, ok := m.servers[host]; ok {
		return
	}
	m.servers[host] = daemon.Server{Hostname: host, CreatedAt: m.now().Truncate(time.Millisecond).UTC()}
}

func (m *DB) UpsertServer(_ context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addServer(host)
	return nil
}

func (m *DB) ListServers(context.Context) ([]daemon.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]daemon.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}
