// Package storetest is a conformance suite run against every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/store"
)

// Factory returns an empty store. Run calls EnsureSchema and Close.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateGet", testCreateGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"UpsertOverwrites", testUpsert},
		{"NotFound", testNotFound},
		{"SetStatusBumpsLastUpdate", testSetStatus},
		{"ExpectedRunning", testExpectedRunning},
		{"ExpireStale", testExpireStale},
		{"Servers", testServers},
		{"Delete", testDelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.EnsureSchema(context.Background()))
			tc.fn(t, s)
		})
	}
}

func spec(name, server string, target daemon.Status) daemon.Spec {
	d := daemon.NewSpec(name)
	d.StartCommand = []string{"/usr/bin/" + name, "--port", "80"}
	d.StopCommand = []string{"/usr/bin/kill-" + name}
	d.PIDFile = "/var/run/" + name + ".pid"
	d.MaxRuntime = 90 * time.Minute
	d.Server = server
	d.TargetStatus = target
	return d
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := spec("web", "host1", daemon.StatusRunning)
	require.NoError(t, s.CreateDaemon(ctx, in))

	got, err := s.GetDaemon(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, in.StartCommand, got.StartCommand)
	assert.Equal(t, in.StopCommand, got.StopCommand)
	assert.Equal(t, in.PIDFile, got.PIDFile)
	assert.Equal(t, in.MaxRuntime, got.MaxRuntime)
	assert.Equal(t, "host1", got.Server)
	assert.Equal(t, daemon.StatusStopped, got.Status)
	assert.Equal(t, daemon.StatusRunning, got.TargetStatus)
	assert.True(t, got.LastUpdate.Equal(time.Unix(0, 0)), "last update %v", got.LastUpdate)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDaemon(ctx, spec("a", "", daemon.StatusStopped)))
	err := s.CreateDaemon(ctx, spec("a", "", daemon.StatusRunning))
	require.True(t, errors.Is(err, store.ErrExists), "got %v", err)

	got, err := s.GetDaemon(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, daemon.StatusStopped, got.TargetStatus, "duplicate create must not overwrite")
}

func testUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertDaemon(ctx, spec("a", "h1", daemon.StatusStopped)))
	next := spec("a", "h2", daemon.StatusRunning)
	next.StartCommand = []string{"/bin/true"}
	require.NoError(t, s.UpsertDaemon(ctx, next))

	got, err := s.GetDaemon(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/true"}, got.StartCommand)
	assert.Equal(t, "h2", got.Server)
	assert.Equal(t, daemon.StatusRunning, got.TargetStatus)

	all, err := s.ListDaemons(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetDaemon(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound), "get: %v", err)
	assert.True(t, errors.Is(s.SetStatus(ctx, "nope", daemon.StatusRunning), store.ErrNotFound))
	assert.True(t, errors.Is(s.SetTargetStatus(ctx, "nope", daemon.StatusRunning), store.ErrNotFound))
	assert.True(t, errors.Is(s.SetServer(ctx, "nope", "h"), store.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteDaemon(ctx, "nope"), store.ErrNotFound))
}

func testSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDaemon(ctx, spec("a", "h", daemon.StatusRunning)))
	before := time.Now().Add(-time.Second)
	require.NoError(t, s.SetStatus(ctx, "a", daemon.StatusRunning))

	got, err := s.GetDaemon(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, daemon.StatusRunning, got.Status)
	assert.True(t, got.LastUpdate.After(before), "last update not bumped: %v", got.LastUpdate)

	require.NoError(t, s.SetTargetStatus(ctx, "a", daemon.StatusStopped))
	got, err = s.GetDaemon(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, daemon.StatusStopped, got.TargetStatus)
	assert.Equal(t, daemon.StatusRunning, got.Status, "target change must not touch observed status")
}

func testExpectedRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDaemon(ctx, spec("b", "Host1", daemon.StatusRunning)))
	require.NoError(t, s.CreateDaemon(ctx, spec("a", "host1", daemon.StatusRunning)))
	require.NoError(t, s.CreateDaemon(ctx, spec("c", "host1", daemon.StatusStopped)))
	require.NoError(t, s.CreateDaemon(ctx, spec("d", "host2", daemon.StatusRunning)))
	require.NoError(t, s.CreateDaemon(ctx, spec("e", "", daemon.StatusRunning)))

	got, err := s.ExpectedRunning(ctx, "HOST1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = s.ExpectedRunning(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetServer(ctx, "d", "host1"))
	got, err = s.ExpectedRunning(ctx, "host1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, got)

	require.NoError(t, s.SetServer(ctx, "d", ""))
	got, err = s.ExpectedRunning(ctx, "host1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func testExpireStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale := spec("old", "h", daemon.StatusRunning)
	stale.Status = daemon.StatusRunning
	stale.LastUpdate = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.UpsertDaemon(ctx, stale))

	fresh := spec("new", "h", daemon.StatusRunning)
	fresh.Status = daemon.StatusRunning
	fresh.LastUpdate = time.Now()
	require.NoError(t, s.UpsertDaemon(ctx, fresh))

	n, err := s.ExpireStale(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetDaemon(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, daemon.StatusStopped, got.Status)
	got, err = s.GetDaemon(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, daemon.StatusRunning, got.Status)
}

func testServers(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertServer(ctx, "b-host"))
	require.NoError(t, s.UpsertServer(ctx, "b-host"))
	require.NoError(t, s.CreateDaemon(ctx, spec("x", "a-host", daemon.StatusStopped)))

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "a-host", servers[0].Hostname)
	assert.Equal(t, "b-host", servers[1].Hostname)
	assert.False(t, servers[0].CreatedAt.IsZero())
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDaemon(ctx, spec("a", "", daemon.StatusStopped)))
	require.NoError(t, s.DeleteDaemon(ctx, "a"))
	_, err := s.GetDaemon(ctx, "a")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
