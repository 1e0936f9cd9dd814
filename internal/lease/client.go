package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loykin/fleetd/internal/notify"
)

// Exit codes used when a lease cannot be held.
const (
	ExitAcquireTimeout = 2
	ExitLeaseLost      = 3
)

var (
	ErrAcquireTimeout = errors.New("timed out acquiring lease")
	ErrLeaseLost      = errors.New("lease assertion denied")
	errDenied         = errors.New("lease held by another host")
)

// Leaser is the coordinator side of the lease protocol.
type Leaser interface {
	RegisterLease(ctx context.Context, name, host string) (bool, error)
	AssertLease(ctx context.Context, name, host string) (bool, error)
	FreeLease(ctx context.Context, name, host string) error
}

type ClientOptions struct {
	Hostname string
	Period   time.Duration
	// AssertInterval defaults to Period.
	AssertInterval time.Duration
	Logger         *slog.Logger
	Notifier       *notify.Notifier
	// Exit terminates the process when a lease cannot be held. Defaults to os.Exit.
	Exit func(code int)
}

// Client acquires leases for this host and keeps them asserted.
type Client struct {
	api  Leaser
	opts ClientOptions
	log  *slog.Logger

	mu   sync.Mutex
	held map[string]*holding
}

type holding struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(api Leaser, opts ClientOptions) *Client {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.AssertInterval <= 0 {
		opts.AssertInterval = opts.Period
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Client{
		api:  api,
		opts: opts,
		log:  opts.Logger.With("component", "lease-client", "host", opts.Hostname),
		held: make(map[string]*holding),
	}
}

// PerServerName is the lease name used for one-per-host roles.
func PerServerName(name, host string) string { return name + ":" + host }

// Acquire registers name, retrying every Period/2. Without waitForever it gives
// up after 3×Period, notifies and exits with ExitAcquireTimeout. On success a
// maintenance goroutine keeps the lease asserted until Release.
func (c *Client) Acquire(ctx context.Context, name string, waitForever bool) error {
	c.mu.Lock()
	_, already := c.held[name]
	c.mu.Unlock()
	if already {
		return nil
	}

	c.log.Debug("registering lease", "name", name)
	maxElapsed := 3 * c.opts.Period
	if waitForever {
		maxElapsed = 0
	}
	attempt := func() (bool, error) {
		ok, err := c.api.RegisterLease(ctx, name, c.opts.Hostname)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errDenied
		}
		return true, nil
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.Period/2)),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("lease registration refused", "name", name, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := fmt.Sprintf("timeout acquiring lease %q", name)
		c.log.Error(msg, "last_error", err)
		c.opts.Notifier.Notify(ctx, "lease", msg)
		c.opts.Exit(ExitAcquireTimeout)
		return fmt.Errorf("%w %q: %v", ErrAcquireTimeout, name, err)
	}

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &holding{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.held[name] = h
	c.mu.Unlock()
	go c.maintain(mctx, name, h)
	c.log.Info("lease acquired", "name", name)
	return nil
}

// AcquirePerServer acquires "name:hostname".
func (c *Client) AcquirePerServer(ctx context.Context, name string, waitForever bool) error {
	return c.Acquire(ctx, PerServerName(name, c.opts.Hostname), waitForever)
}

func (c *Client) maintain(ctx context.Context, name string, h *holding) {
	defer close(h.done)
	ticker := time.NewTicker(c.opts.AssertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := c.api.AssertLease(ctx, name, c.opts.Hostname)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// the lease may still be ours; the next tick tries again
			c.log.Error("lease assertion failed", "name", name, "error", err)
			continue
		}
		if !ok {
			msg := fmt.Sprintf("lease %q lost to another host", name)
			c.log.Error(msg)
			c.opts.Notifier.Notify(ctx, "lease", msg)
			c.mu.Lock()
			if c.held[name] == h {
				delete(c.held, name)
			}
			c.mu.Unlock()
			c.opts.Exit(ExitLeaseLost)
			return
		}
		c.log.Debug("lease still held", "name", name)
	}
}

// Held reports whether this client currently maintains name.
func (c *Client) Held(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[name]
	return ok
}

// Release stops maintenance and frees the lease. Unknown names are ignored and
// free errors are logged, never returned. The free call is bounded by one
// lease period so shutdown does not wait on an unreachable coordinator.
func (c *Client) Release(ctx context.Context, name string) {
	c.mu.Lock()
	h, ok := c.held[name]
	delete(c.held, name)
	c.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	fctx, cancel := context.WithTimeout(ctx, c.opts.Period)
	defer cancel()
	if err := c.api.FreeLease(fctx, name, c.opts.Hostname); err != nil {
		c.log.Warn("free lease failed", "name", name, "error", err)
		return
	}
	c.log.Debug("lease released", "name", name)
}

// ReleasePerServer releases "name:hostname".
func (c *Client) ReleasePerServer(ctx context.Context, name string) {
	c.Release(ctx, PerServerName(name, c.opts.Hostname))
}

// ReleaseAll frees every held lease; used on shutdown.
func (c *Client) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.held))
	for n := range c.held {
		names = append(names, n)
	}
	c.mu.Unlock()
	for _, n := range names {
		c.Release(ctx, n)
	}
}
