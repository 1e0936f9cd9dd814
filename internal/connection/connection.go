// Package connection keeps a working coordinator handle for long-running
// agents and retries connectivity failures indefinitely.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/metrics"
)

// DefaultRetryInterval is the pause between attempts.
const DefaultRetryInterval = 5 * time.Second

// ReminderEvery controls how often a still-failing retry loop logs.
const ReminderEvery = 12

// Coordinator is the remote surface agents and supervisors use.
type Coordinator interface {
	Noop(ctx context.Context) error
	BuildNumber(ctx context.Context) (string, error)
	NextAction(ctx context.Context, req api.NextActionRequest) (*daemon.Action, error)
	CompleteAction(ctx context.Context, req api.CompleteActionRequest) error
	KnownDaemons(ctx context.Context) ([]daemon.Spec, error)
	RegisterLease(ctx context.Context, name, host string) (bool, error)
	AssertLease(ctx context.Context, name, host string) (bool, error)
	FreeLease(ctx context.Context, name, host string) error
}

// Dialer creates a fresh handle.
type Dialer func() (Coordinator, error)

type Options struct {
	RetryInterval time.Duration
	// Retryable classifies errors; nil treats every error as retryable.
	Retryable func(error) bool
	Logger    *slog.Logger
}

// Manager caches the last good handle and wraps every call in a retry loop.
type Manager struct {
	dial      Dialer
	interval  time.Duration
	retryable func(error) bool
	log       *slog.Logger

	mu  sync.Mutex
	cur Coordinator
}

func NewManager(dial Dialer, opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Retryable == nil {
		opts.Retryable = func(error) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dial:      dial,
		interval:  opts.RetryInterval,
		retryable: opts.Retryable,
		log:       opts.Logger.With("component", "connection"),
	}
}

// retry runs op until it succeeds, returns a non-retryable error or ctx ends.
func retry[T any](ctx context.Context, m *Manager, what string, op func() (T, error)) (T, error) {
	tries := 0
	wrapped := func() (T, error) {
		tries++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
		}
		if !m.retryable(err) {
			return v, backoff.Permanent(err)
		}
		metrics.IncConnectionRetry()
		if tries == 1 || tries%ReminderEvery == 0 {
			m.log.Warn("coordinator call failing, retrying", "call", what, "attempt", tries, "error", err)
		}
		return v, err
	}
	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithMaxTries(0),
	)
	if err == nil && tries > 1 {
		m.log.Info("coordinator call recovered", "call", what, "attempts", tries)
	}
	return v, err
}

// Get returns a handle that answered Noop, dialling a new one when needed.
// It blocks until a handle works or ctx ends.
func (m *Manager) Get(ctx context.Context) (Coordinator, error) {
	return retry(ctx, m, "connect", func() (Coordinator, error) {
		m.mu.Lock()
		cur := m.cur
		m.mu.Unlock()
		if cur != nil {
			if err := cur.Noop(ctx); err == nil {
				return cur, nil
			}
		}
		c, err := m.dial()
		if err != nil {
			return nil, err
		}
		if err := c.Noop(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cur = c
		m.mu.Unlock()
		return c, nil
	})
}

// handle returns the cached handle without validating it.
func (m *Manager) handle(ctx context.Context) (Coordinator, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	return m.Get(ctx)
}

func call[T any](ctx context.Context, m *Manager, what string, op func(Coordinator) (T, error)) (T, error) {
	return retry(ctx, m, what, func() (T, error) {
		c, err := m.handle(ctx)
		if err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		v, err := op(c)
		if err != nil && m.retryable(err) {
			m.invalidate(c)
		}
		return v, err
	})
}

// invalidate forgets c so the next call re-validates through Get.
func (m *Manager) invalidate(c Coordinator) {
	m.mu.Lock()
	if m.cur == c {
		m.cur = nil
	}
	m.mu.Unlock()
}

func (m *Manager) Noop(ctx context.Context) error {
	_, err := m.Get(ctx)
	return err
}

func (m *Manager) BuildNumber(ctx context.Context) (string, error) {
	return call(ctx, m, "build", func(c Coordinator) (string, error) { return c.BuildNumber(ctx) })
}

func (m *Manager) NextAction(ctx context.Context, req api.NextActionRequest) (*daemon.Action, error) {
	return call(ctx, m, "next action", func(c Coordinator) (*daemon.Action, error) { return c.NextAction(ctx, req) })
}

func (m *Manager) CompleteAction(ctx context.Context, req api.CompleteActionRequest) error {
	_, err := call(ctx, m, "complete action", func(c Coordinator) (struct{}, error) {
		return struct{}{}, c.CompleteAction(ctx, req)
	})
	return err
}

func (m *Manager) KnownDaemons(ctx context.Context) ([]daemon.Spec, error) {
	return call(ctx, m, "known daemons", func(c Coordinator) ([]daemon.Spec, error) { return c.KnownDaemons(ctx) })
}

func (m *Manager) RegisterLease(ctx context.Context, name, host string) (bool, error) {
	return call(ctx, m, "register lease", func(c Coordinator) (bool, error) { return c.RegisterLease(ctx, name, host) })
}

func (m *Manager) AssertLease(ctx context.Context, name, host string) (bool, error) {
	return call(ctx, m, "assert lease", func(c Coordinator) (bool, error) { return c.AssertLease(ctx, name, host) })
}

func (m *Manager) FreeLease(ctx context.Context, name, host string) error {
	_, err := call(ctx, m, "free lease", func(c Coordinator) (struct{}, error) {
		return struct{}{}, c.FreeLease(ctx, name, host)
	})
	return err
}
