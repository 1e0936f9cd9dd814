package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/notify"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeCoord struct {
	mu        sync.Mutex
	specs     []daemon.Spec
	actions   []*daemon.Action
	requests  []api.NextActionRequest
	completed []api.CompleteActionRequest
	known     int
	panicNext bool
	nextErr   error
}

func (f *fakeCoord) Noop(context.Context) error { return nil }

func (f *fakeCoord) KnownDaemons(context.Context) ([]daemon.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known++
	return f.specs, nil
}

func (f *fakeCoord) NextAction(_ context.Context, req api.NextActionRequest) (*daemon.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panicNext {
		f.panicNext = false
		panic("boom")
	}
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if len(f.actions) == 0 {
		return nil, nil
	}
	a := f.actions[0]
	f.actions = f.actions[1:]
	return a, nil
}

func (f *fakeCoord) CompleteAction(_ context.Context, req api.CompleteActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return nil
}

func (f *fakeCoord) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		if len(out) == 0 || out[len(out)-1] != r.Session {
			out = append(out, r.Session)
		}
	}
	return out
}

type fakeExec struct {
	mu      sync.Mutex
	started []daemon.Spec
	stopped []time.Duration
	err     error
}

func (e *fakeExec) Start(_ context.Context, spec daemon.Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, spec)
	return e.err
}

func (e *fakeExec) Stop(_ context.Context, _ daemon.Spec, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, timeout)
	return e.err
}

func spec(name string) daemon.Spec {
	s := daemon.NewSpec(name)
	s.StartCommand = []string{"/opt/" + name + "/bin/start", "--host", "$server_name$"}
	s.PIDFile = "/var/run/" + name + "-$ENV$.pid"
	s.Server = "web01"
	s.TargetStatus = daemon.StatusRunning
	return s
}

func newAgent(c *fakeCoord, e *fakeExec, alive map[string]bool) *Agent {
	return New(Options{
		Hostname:     "Web01",
		Environment:  "prod",
		Coordinator:  c,
		Executor:     e,
		Logger:       quiet(),
		BusyInterval: time.Millisecond,
		IdleInterval: time.Millisecond,
		RestartDelay: 5 * time.Millisecond,
		Probe: func(s daemon.Spec) (int, bool) {
			if alive[s.PIDFile] {
				return 4242, true
			}
			return 0, false
		},
	})
}

func TestStepReportsRunningAndExecutesStart(t *testing.T) {
	c := &fakeCoord{specs: []daemon.Spec{spec("api"), spec("worker")}}
	start := daemon.NewStart(7, spec("worker"))
	c.actions = []*daemon.Action{&start}
	e := &fakeExec{}
	a := newAgent(c, e, map[string]bool{"/var/run/api-PROD.pid": true})

	busy, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)

	require.Len(t, c.requests, 1)
	assert.Equal(t, []string{"api"}, c.requests[0].Running)
	assert.Equal(t, "Web01", c.requests[0].Hostname)
	assert.Zero(t, c.requests[0].LastActionID)
	assert.Equal(t, map[string]int32{"api": 4242}, a.RunningPIDs())

	require.Len(t, e.started, 1)
	assert.Equal(t, []string{"/opt/worker/bin/start", "--host", "web01"}, e.started[0].StartCommand)
	assert.Equal(t, "/var/run/worker-PROD.pid", e.started[0].PIDFile)

	require.Len(t, c.completed, 1)
	assert.EqualValues(t, 7, c.completed[0].Action.ID)
	assert.Equal(t, c.requests[0].Session, c.completed[0].Session)

	busy, err = a.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)
	assert.EqualValues(t, 7, c.requests[1].LastActionID)
}

func TestFailedActionIsNotCompleted(t *testing.T) {
	c := &fakeCoord{specs: []daemon.Spec{spec("api")}}
	stop := daemon.NewStop(3, spec("api"))
	c.actions = []*daemon.Action{&stop}
	e := &fakeExec{err: errors.New("still alive")}
	a := newAgent(c, e, nil)

	busy, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Empty(t, c.completed)
	require.Len(t, e.stopped, 1)
	assert.Equal(t, 300*time.Second, e.stopped[0])

	_, err = a.Step(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.requests[1].LastActionID, "failed action must be referenced so it is abandoned")
}

func TestKnownDaemonCacheTTL(t *testing.T) {
	c := &fakeCoord{specs: []daemon.Spec{spec("api")}}
	a := newAgent(c, &fakeExec{}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.opts.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := a.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.known)

	now = now.Add(5 * time.Minute)
	_, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.known)
}

func TestStepErrorEndsRun(t *testing.T) {
	c := &fakeCoord{nextErr: errors.New("conflict")}
	a := newAgent(c, &fakeExec{}, nil)
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")
}

func TestWatchRestartsAfterPanicWithNewSession(t *testing.T) {
	c := &fakeCoord{panicNext: true}
	a := newAgent(c, &fakeExec{}, nil)

	notified := make(chan string, 4)
	a.opts.Notifier = notify.New(quiet(), notify.HandlerFunc{ID: "test", Fn: func(_ context.Context, caller, msg string) (bool, error) {
		notified <- caller + ": " + msg
		return true, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	select {
	case msg := <-notified:
		assert.Contains(t, msg, "panic: boom")
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after panic")
	}
	require.Eventually(t, func() bool { return len(c.sessions()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	s := c.sessions()
	assert.NotEqual(t, s[0], s[1])
}

type fakeLeases struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

func (l *fakeLeases) AcquirePerServer(_ context.Context, name string, waitForever bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !waitForever {
		return errors.New("manager lease must wait forever")
	}
	l.acquired = append(l.acquired, name)
	return nil
}

func (l *fakeLeases) ReleasePerServer(_ context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, name)
}

func TestServeHoldsLockAndLease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "agent.lock")
	leases := &fakeLeases{}
	a := newAgent(&fakeCoord{}, &fakeExec{}, nil)
	a.opts.LockFile = lockPath
	a.opts.Leases = leases

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		leases.mu.Lock()
		defer leases.mu.Unlock()
		return len(leases.acquired) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, err := acquireLock(lockPath)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{ManagerLease}, leases.acquired)
	assert.Equal(t, []string{ManagerLease}, leases.released)

	unlock, err := acquireLock(lockPath)
	require.NoError(t, err)
	unlock()
}
