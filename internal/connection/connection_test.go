package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/lease"
)

var errDown = errors.New("connection refused")
var errBad = errors.New("bad request")

type fakeCoord struct {
	failNoop atomic.Int32 // remaining Noop failures
	failNext atomic.Int32 // remaining NextAction failures
	nextErr  error
	calls    atomic.Int32
	down     atomic.Bool
}

func (f *fakeCoord) Noop(context.Context) error {
	if f.down.Load() {
		return errDown
	}
	if f.failNoop.Load() > 0 {
		f.failNoop.Add(-1)
		return errDown
	}
	return nil
}

func (f *fakeCoord) BuildNumber(context.Context) (string, error) { return "b", nil }

func (f *fakeCoord) NextAction(_ context.Context, req api.NextActionRequest) (*daemon.Action, error) {
	f.calls.Add(1)
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return nil, f.nextErr
	}
	a := daemon.NewStart(1, daemon.NewSpec(req.Hostname))
	return &a, nil
}

func (f *fakeCoord) CompleteAction(context.Context, api.CompleteActionRequest) error { return nil }
func (f *fakeCoord) KnownDaemons(context.Context) ([]daemon.Spec, error)           { return nil, nil }
func (f *fakeCoord) RegisterLease(context.Context, string, string) (bool, error)   { return true, nil }
func (f *fakeCoord) AssertLease(context.Context, string, string) (bool, error)     { return true, nil }
func (f *fakeCoord) FreeLease(context.Context, string, string) error {
	if f.down.Load() {
		return errDown
	}
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newManager(dial Dialer) *Manager {
	return NewManager(dial, Options{
		RetryInterval: 5 * time.Millisecond,
		Retryable:     func(err error) bool { return errors.Is(err, errDown) },
		Logger:        quiet(),
	})
}

func TestGetRetriesUntilReachable(t *testing.T) {
	f := &fakeCoord{}
	f.failNoop.Store(3)
	dials := atomic.Int32{}
	m := newManager(func() (Coordinator, error) {
		dials.Add(1)
		return f, nil
	})
	c, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, f, c)
	assert.EqualValues(t, 4, dials.Load())

	// cached handle is reused while it answers Noop
	_, err = m.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, dials.Load())
}

func TestDialErrorsAreRetried(t *testing.T) {
	f := &fakeCoord{}
	n := atomic.Int32{}
	m := newManager(func() (Coordinator, error) {
		if n.Add(1) < 3 {
			return nil, errDown
		}
		return f, nil
	})
	require.NoError(t, m.Noop(context.Background()))
	assert.EqualValues(t, 3, n.Load())
}

func TestCallRetriesRetryable(t *testing.T) {
	f := &fakeCoord{nextErr: errDown}
	f.failNext.Store(2)
	m := newManager(func() (Coordinator, error) { return f, nil })
	a, err := m.NextAction(context.Background(), api.NextActionRequest{Hostname: "h1"})
	require.NoError(t, err)
	assert.Equal(t, "h1", a.Daemon.Name)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestCallReturnsPermanentErrors(t *testing.T) {
	f := &fakeCoord{nextErr: errBad}
	f.failNext.Store(5)
	m := newManager(func() (Coordinator, error) { return f, nil })
	_, err := m.NextAction(context.Background(), api.NextActionRequest{Hostname: "h1"})
	assert.ErrorIs(t, err, errBad)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestContextStopsRetrying(t *testing.T) {
	m := newManager(func() (Coordinator, error) { return nil, errDown })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrappersDelegate(t *testing.T) {
	f := &fakeCoord{}
	m := newManager(func() (Coordinator, error) { return f, nil })
	ctx := context.Background()
	b, err := m.BuildNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", b)
	ok, err := m.RegisterLease(ctx, "x", "h")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.AssertLease(ctx, "x", "h")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.FreeLease(ctx, "x", "h"))
	require.NoError(t, m.CompleteAction(ctx, api.CompleteActionRequest{}))
	_, err = m.KnownDaemons(ctx)
	require.NoError(t, err)
}

func TestLeaseReleaseWithCoordinatorDown(t *testing.T) {
	f := &fakeCoord{}
	m := newManager(func() (Coordinator, error) {
		if f.down.Load() {
			return nil, errDown
		}
		return f, nil
	})
	const period = 50 * time.Millisecond
	exits := make(chan int, 1)
	c := lease.NewClient(m, lease.ClientOptions{
		Hostname: "h1",
		Period:   period,
		Logger:   quiet(),
		Exit:     func(code int) { exits <- code },
	})
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, "X", false))

	f.down.Store(true)
	done := make(chan struct{})
	go func() {
		c.Release(context.WithoutCancel(ctx), "X")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Release blocked while the coordinator is unreachable")
	}
	assert.False(t, c.Held("X"))
	assert.Empty(t, exits)
}
