package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/coordinator"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/server"
	"github.com/loykin/fleetd/internal/store/memory"
	"github.com/loykin/fleetd/pkg/client"
)

var _ Admin = (*client.Client)(nil)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeAdmin converges a daemon's status toward its target after a number of
// GetDaemon calls, standing in for agents doing the work.
type fakeAdmin struct {
	mu      sync.Mutex
	specs   map[string]daemon.Spec
	lag     int
	polls   map[string]int
	targets []string
}

func newFakeAdmin(lag int, names ...string) *fakeAdmin {
	f := &fakeAdmin{specs: map[string]daemon.Spec{}, lag: lag, polls: map[string]int{}}
	for _, n := range names {
		f.specs[n] = daemon.NewSpec(n)
	}
	return f
}

func (f *fakeAdmin) ListDaemons(_ context.Context, status daemon.Status) ([]daemon.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []daemon.Spec
	for _, s := range f.specs {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeAdmin) GetDaemon(_ context.Context, name string) (daemon.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[name]
	if !ok {
		return daemon.Spec{}, errors.New("not found")
	}
	if s.Status != s.TargetStatus {
		f.polls[name]++
		if f.polls[name] > f.lag {
			s.Status = s.TargetStatus
			f.specs[name] = s
			f.polls[name] = 0
		}
	}
	return s, nil
}

func (f *fakeAdmin) CreateDaemon(_ context.Context, spec daemon.Spec) (daemon.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[spec.Name] = spec
	return spec, nil
}

func (f *fakeAdmin) PutDaemon(_ context.Context, spec daemon.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[spec.Name] = spec
	return nil
}

func (f *fakeAdmin) PatchDaemon(context.Context, string, api.DaemonPatch) (daemon.Spec, error) {
	return daemon.Spec{}, errors.New("not implemented")
}

func (f *fakeAdmin) SetTarget(_ context.Context, name string, status daemon.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[name]
	if !ok {
		return errors.New("not found")
	}
	s.TargetStatus = status
	f.specs[name] = s
	f.targets = append(f.targets, name+"="+string(status))
	return nil
}

func fastController(a Admin) *Controller {
	c := NewController(a, quiet())
	c.Poll = time.Millisecond
	c.ReportEvery = 2
	return c
}

func TestParseVerb(t *testing.T) {
	cases := []struct {
		in    string
		verb  string
		block bool
		err   bool
	}{
		{"start", VerbStart, false, false},
		{"BLOCK_STOP", VerbStop, true, false},
		{"block_restart", VerbRestart, true, false},
		{"SHUTDOWN", VerbShutdown, false, false},
		{"BLOCK_", "", false, true},
		{"reload", "", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			c, err := ParseVerb(tc.in)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnknownVerb)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.verb, c.Verb)
			assert.Equal(t, tc.block, c.Block)
		})
	}
}

func TestStartDoesNotWait(t *testing.T) {
	a := newFakeAdmin(1000, "web")
	require.NoError(t, fastController(a).Do(context.Background(), "START", []string{"web"}))
	assert.Equal(t, []string{"web=RUNNING"}, a.targets)
}

func TestBlockingStartWaitsForConvergence(t *testing.T) {
	a := newFakeAdmin(5, "web", "db")
	require.NoError(t, fastController(a).Do(context.Background(), "BLOCK_START", []string{"web", "db"}))
	for _, n := range []string{"web", "db"} {
		assert.Equal(t, daemon.StatusRunning, a.specs[n].Status)
	}
}

func TestBlockingWaitHonoursContext(t *testing.T) {
	a := newFakeAdmin(1 << 30, "web")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fastController(a).Do(ctx, "BLOCK_START", []string{"web"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "web(STOPPED->RUNNING)")
}

func TestRestartStopsThenStarts(t *testing.T) {
	a := newFakeAdmin(2, "web")
	a.specs["web"] = func() daemon.Spec {
		s := a.specs["web"]
		s.Status, s.TargetStatus = daemon.StatusRunning, daemon.StatusRunning
		return s
	}()
	require.NoError(t, fastController(a).Do(context.Background(), "RESTART", []string{"web"}))
	assert.Equal(t, []string{"web=STOPPED", "web=RUNNING"}, a.targets)
	assert.Equal(t, daemon.StatusStopped, a.specs["web"].Status, "non-blocking restart returns once the stop converged")
}

func TestShutdownStopsEverything(t *testing.T) {
	a := newFakeAdmin(0, "a", "b", "c")
	require.NoError(t, fastController(a).Do(context.Background(), "BLOCK_SHUTDOWN", nil))
	assert.Len(t, a.targets, 3)
	for _, s := range a.specs {
		assert.Equal(t, daemon.StatusStopped, s.TargetStatus)
	}
}

func TestVerbNeedsNames(t *testing.T) {
	assert.Error(t, fastController(newFakeAdmin(0)).Do(context.Background(), "STOP", nil))
}

func newStack(t *testing.T) *client.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	coord := coordinator.New(coordinator.Options{Store: memory.New(), Build: coordinator.StaticBuild("b1"), Logger: quiet()})
	t.Cleanup(coord.Close)
	ts := httptest.NewServer(server.NewRouter(coord, server.Options{Logger: quiet()}).Handler())
	t.Cleanup(ts.Close)
	c, err := client.New(client.Config{BaseURL: ts.URL, Timeout: 5 * time.Second, Logger: quiet()})
	require.NoError(t, err)
	return c
}

func TestEditorAgainstCoordinator(t *testing.T) {
	c := newStack(t)
	ctx := context.Background()
	var out bytes.Buffer
	e := NewEditor(c, &out)

	require.NoError(t, e.Exec(ctx, []string{"CREATE", "web"}))
	assert.Error(t, e.Exec(ctx, []string{"CREATE", "web"}), "create must fail for an existing daemon")

	require.NoError(t, e.Exec(ctx, strings.Fields("DAEMON web SET START /opt/web/bin/web --port 80")))
	require.NoError(t, e.Exec(ctx, strings.Fields("DAEMON web SET STOP /opt/web/bin/stop")))
	require.NoError(t, e.Exec(ctx, strings.Fields("DAEMON web SET PID /var/run/web-$server_name$.pid")))
	require.NoError(t, e.Exec(ctx, strings.Fields("daemon web set server host1")))
	require.NoError(t, e.Exec(ctx, strings.Fields("DAEMON web SET MAXRUNSECS 3600")))

	d, err := c.GetDaemon(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/web/bin/web", "--port", "80"}, d.StartCommand)
	assert.Equal(t, []string{"/opt/web/bin/stop"}, d.StopCommand)
	assert.Equal(t, "/var/run/web-$server_name$.pid", d.PIDFile)
	assert.Equal(t, "host1", d.Server)
	assert.Equal(t, time.Hour, d.MaxRuntime)

	require.NoError(t, e.Exec(ctx, strings.Fields("DAEMON web SET SERVER")))
	d, err = c.GetDaemon(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, d.Server)

	out.Reset()
	require.NoError(t, e.Exec(ctx, []string{"LIST", "stopped"}))
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "web")
	out.Reset()
	require.NoError(t, e.Exec(ctx, []string{"LIST", "RUNNING"}))
	assert.NotContains(t, out.String(), "web")

	for _, bad := range [][]string{
		nil,
		{"LIST", "PAUSED"},
		{"DAEMON", "web", "SET", "MAXRUNSECS", "soon"},
		{"DAEMON", "web", "SET", "COLOR", "red"},
		{"DAEMON", "web", "GET", "PID"},
		{"DROP", "web"},
	} {
		assert.ErrorIs(t, e.Exec(ctx, bad), ErrUsage, "%v", bad)
	}
	assert.True(t, client.IsNotFound(e.Exec(ctx, strings.Fields("DAEMON nope SET PID /x"))))
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newStack(t)
	ctx := context.Background()
	web := daemon.NewSpec("web")
	web.StartCommand = []string{"/opt/web/bin/web"}
	web.PIDFile = "/var/run/web.pid"
	web.Server = "host1"
	web.TargetStatus = daemon.StatusRunning
	web.MaxRuntime = 0
	require.NoError(t, src.PutDaemon(ctx, web))
	require.NoError(t, src.PutDaemon(ctx, daemon.NewSpec("batch")))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))
	assert.Contains(t, buf.String(), "max_runtime: 24h0m0s")
	assert.NotContains(t, buf.String(), "last_update")

	dst := newStack(t)
	n, err := Import(ctx, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.GetDaemon(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, web.StartCommand, got.StartCommand)
	assert.Equal(t, "host1", got.Server)
	assert.Equal(t, daemon.StatusRunning, got.TargetStatus)
	assert.Equal(t, daemon.StatusStopped, got.Status)
	assert.Zero(t, got.MaxRuntime, "an explicit zero budget survives the round trip")

	got, err = dst.GetDaemon(ctx, "batch")
	require.NoError(t, err)
	assert.Equal(t, daemon.DefaultMaxRuntime, got.MaxRuntime)
}

func TestImportDefaultsAndValidation(t *testing.T) {
	a := newFakeAdmin(0)
	n, err := Import(context.Background(), a, strings.NewReader("daemons:\n  - name: cron\n    start_command: [/usr/sbin/cron]\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, daemon.DefaultMaxRuntime, a.specs["cron"].MaxRuntime)
	assert.Equal(t, daemon.StatusStopped, a.specs["cron"].TargetStatus)

	_, err = Import(context.Background(), a, strings.NewReader("daemons:\n  - name: bad/name\n"))
	assert.ErrorIs(t, err, daemon.ErrInvalidName)

	n, err = Import(context.Background(), a, strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)
}
