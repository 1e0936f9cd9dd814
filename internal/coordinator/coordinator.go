// Package coordinator is the control-plane core: it reconciles each host's
// reported daemons against the store, hands out one action at a time, and
// hosts the singleton lease table.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/history"
	"github.com/loykin/fleetd/internal/lease"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/store"
)

// Defaults for Options.
const (
	DefaultHousekeepingInterval = 60 * time.Second
	DefaultStaleAfter           = 24 * time.Hour
	DefaultActionTTL            = 10 * time.Minute
)

var (
	// ErrActionOutstanding rejects a request from a session that still owes an
	// acknowledgement for its last action.
	ErrActionOutstanding = errors.New("previous action not acknowledged")
	ErrInvalidRequest    = errors.New("invalid request")
)

// StorageError marks a failure of the persistence layer. Agents treat it as
// retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage failure: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type Options struct {
	Store   store.Store
	Build   *BuildSource
	Leases  lease.TableOptions
	History *history.Recorder
	Logger  *slog.Logger
	Now     func() time.Time

	HousekeepingInterval time.Duration
	StaleAfter           time.Duration
	ActionTTL            time.Duration
}

type outstanding struct {
	action   daemon.Action
	session  string
	issuedAt time.Time
}

type Coordinator struct {
	store   store.Store
	build   *BuildSource
	leases  *lease.Table
	history *history.Recorder
	log     *slog.Logger
	now     func() time.Time

	housekeepEvery time.Duration
	staleAfter     time.Duration
	actionTTL      time.Duration

	nextID        atomic.Uint64
	lastHousekeep atomic.Int64
	leasesHeld    atomic.Int64

	runtimes    *shardedMap[time.Time]
	outstanding *shardedMap[outstanding]
	hostLocks   *shardedMap[*sync.Mutex]
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Build == nil {
		opts.Build = StaticBuild("")
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ActionTTL <= 0 {
		opts.ActionTTL = DefaultActionTTL
	}
	c := &Coordinator{
		store:          opts.Store,
		build:          opts.Build,
		history:        opts.History,
		log:            opts.Logger.With("component", "coordinator"),
		now:            opts.Now,
		housekeepEvery: opts.HousekeepingInterval,
		staleAfter:     opts.StaleAfter,
		actionTTL:      opts.ActionTTL,
		runtimes:       newShardedMap[time.Time](),
		outstanding:    newShardedMap[outstanding](),
		hostLocks:      newShardedMap[*sync.Mutex](),
	}
	lo := opts.Leases
	if lo.Logger == nil {
		lo.Logger = opts.Logger
	}
	if lo.Now == nil {
		lo.Now = opts.Now
	}
	userHook := lo.OnEvent
	lo.OnEvent = func(e lease.Event) {
		c.onLeaseEvent(e)
		if userHook != nil {
			userHook(e)
		}
	}
	c.leases = lease.NewTable(lo)
	return c
}

// Close stops the lease table. The store and build source belong to the caller.
func (c *Coordinator) Close() { c.leases.Close() }

func hostKey(h string) string { return strings.ToLower(h) }

func (c *Coordinator) lockHost(host string) func() {
	mu := c.hostLocks.GetOrSet(hostKey(host), func() *sync.Mutex { return new(sync.Mutex) })
	mu.Lock()
	return mu.Unlock
}

// Noop lets clients verify connectivity.
func (c *Coordinator) Noop(context.Context) error { return nil }

func (c *Coordinator) BuildNumber(context.Context) (string, error) {
	return c.build.Current(), nil
}

// KnownDaemons returns every daemon definition.
func (c *Coordinator) KnownDaemons(ctx context.Context) ([]daemon.Spec, error) {
	specs, err := c.store.ListDaemons(ctx)
	return specs, storageErr("list daemons", err)
}

// NextAction records what req.Hostname reports as running and returns at most
// one action moving the host toward its target state.
func (c *Coordinator) NextAction(ctx context.Context, req api.NextActionRequest) (*daemon.Action, error) {
	if strings.TrimSpace(req.Hostname) == "" {
		return nil, fmt.Errorf("%w: hostname required", ErrInvalidRequest)
	}
	start := time.Now()
	defer func() { metrics.ObserveNextAction(time.Since(start).Seconds()) }()

	unlock := c.lockHost(req.Hostname)
	defer unlock()

	now := c.now()
	if err := c.settleOutstanding(req, now); err != nil {
		return nil, err
	}
	c.housekeep(ctx, now)

	expected, err := c.store.ExpectedRunning(ctx, req.Hostname)
	if err != nil {
		return nil, storageErr("expected running", err)
	}
	all, err := c.store.ListDaemons(ctx)
	if err != nil {
		return nil, storageErr("list daemons", err)
	}
	specs := make(map[string]daemon.Spec, len(all))
	for _, s := range all {
		specs[s.Name] = s
	}

	m := Merge(req.Running, expected)
	for _, name := range m.ToStart {
		if err := c.store.SetStatus(ctx, name, daemon.StatusStopped); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, storageErr("set status", err)
		}
	}
	running := make([]string, 0, len(m.Unchanged)+len(m.ToStop))
	for _, name := range dedupe(req.Running) {
		if _, ok := specs[name]; !ok {
			c.log.Warn("host reports unknown daemon", "host", req.Hostname, "daemon", name)
			continue
		}
		if err := c.store.SetStatus(ctx, name, daemon.StatusRunning); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, storageErr("set status", err)
		}
		running = append(running, name)
	}

	action := c.choose(m, running, specs, now)
	if action == nil {
		return nil, nil
	}
	c.outstanding.Set(hostKey(req.Hostname), outstanding{action: *action, session: req.Session, issuedAt: now})
	c.log.Info("issuing action", "host", req.Hostname, "action", action.String(), "id", action.ID)
	metrics.IncActionIssued(string(action.Kind))
	c.history.Record(history.Event{
		Type:       history.EventActionIssued,
		Hostname:   req.Hostname,
		Daemon:     action.Daemon.Name,
		ActionID:   action.ID,
		ActionKind: string(action.Kind),
	})
	return action, nil
}

// choose applies the priority order: unwanted daemons first, then runtime
// budget overruns, then daemons that should be running.
func (c *Coordinator) choose(m MergeResult, running []string, specs map[string]daemon.Spec, now time.Time) *daemon.Action {
	for _, name := range m.ToStop {
		spec, ok := specs[name]
		if !ok {
			continue
		}
		c.runtimes.Delete(name)
		a := daemon.NewStop(c.nextID.Add(1), spec)
		return &a
	}
	for _, name := range running {
		spec := specs[name]
		startedAt := c.runtimes.GetOrSet(name, func() time.Time { return now })
		if spec.RuntimeExceeded(startedAt, now) {
			c.log.Info("daemon exceeded max runtime", "daemon", name,
				"running_for", now.Sub(startedAt).Round(time.Second), "max_runtime", spec.MaxRuntime)
			c.runtimes.Delete(name)
			a := daemon.NewStop(c.nextID.Add(1), spec)
			return &a
		}
	}
	for _, name := range m.ToStart {
		spec, ok := specs[name]
		if !ok {
			continue
		}
		c.runtimes.Set(name, now)
		a := daemon.NewStart(c.nextID.Add(1), spec)
		return &a
	}
	return nil
}

// settleOutstanding enforces one unacknowledged action per host session.
func (c *Coordinator) settleOutstanding(req api.NextActionRequest, now time.Time) error {
	key := hostKey(req.Hostname)
	o, ok := c.outstanding.Get(key)
	if !ok {
		return nil
	}
	var reason string
	switch {
	case now.Sub(o.issuedAt) > c.actionTTL:
		reason = "expired"
	case o.session != req.Session:
		reason = "new session"
	case req.LastActionID == o.action.ID:
		reason = "not acknowledged"
	default:
		return fmt.Errorf("%w: action %d (%s) issued to %s", ErrActionOutstanding, o.action.ID, o.action.String(), req.Hostname)
	}
	c.outstanding.Delete(key)
	c.log.Warn("abandoning outstanding action", "host", req.Hostname, "id", o.action.ID,
		"action", o.action.String(), "reason", reason)
	metrics.IncActionAbandoned()
	c.history.Record(history.Event{
		Type:       history.EventActionAbandoned,
		Hostname:   req.Hostname,
		Daemon:     o.action.Daemon.Name,
		ActionID:   o.action.ID,
		ActionKind: string(o.action.Kind),
		Detail:     reason,
	})
	return nil
}

// housekeep expires stale RUNNING statuses at most once per interval across
// all concurrent callers.
func (c *Coordinator) housekeep(ctx context.Context, now time.Time) {
	last := c.lastHousekeep.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < c.housekeepEvery {
		return
	}
	if !c.lastHousekeep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	n, err := c.store.ExpireStale(ctx, now.Add(-c.staleAfter))
	if err != nil {
		c.log.Warn("housekeeping failed", "error", err)
		return
	}
	if n > 0 {
		c.log.Info("expired stale statuses", "count", n)
		metrics.AddStatusesExpired(n)
		c.history.Record(history.Event{Type: history.EventStatusExpired, Detail: fmt.Sprintf("%d daemons", n)})
	}
}

// CompleteAction applies the status implied by a successful action.
func (c *Coordinator) CompleteAction(ctx context.Context, req api.CompleteActionRequest) error {
	a := req.Action
	status, err := a.StatusOnSuccess()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := c.store.SetStatus(ctx, a.Daemon.Name, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return storageErr("set status", err)
	}
	if req.Hostname != "" {
		key := hostKey(req.Hostname)
		if !c.outstanding.CompareAndDelete(key, func(o outstanding) bool { return o.action.ID == a.ID }) {
			c.log.Debug("completed action was not outstanding", "host", req.Hostname, "id", a.ID)
		}
	}
	c.log.Info("action completed", "host", req.Hostname, "action", a.String(), "id", a.ID)
	metrics.IncActionCompleted(string(a.Kind))
	c.history.Record(history.Event{
		Type:       history.EventActionCompleted,
		Hostname:   req.Hostname,
		Daemon:     a.Daemon.Name,
		ActionID:   a.ID,
		ActionKind: string(a.Kind),
	})
	return nil
}

func (c *Coordinator) RegisterLease(_ context.Context, name, host string) (bool, error) {
	return c.leases.Register(name, host), nil
}

func (c *Coordinator) AssertLease(_ context.Context, name, host string) (bool, error) {
	return c.leases.Assert(name, host), nil
}

func (c *Coordinator) FreeLease(_ context.Context, name, host string) error {
	c.leases.Free(name, host)
	return nil
}

func (c *Coordinator) Leases() []lease.Entry { return c.leases.List() }

func (c *Coordinator) onLeaseEvent(e lease.Event) {
	metrics.IncLeaseEvent(string(e.Kind))
	var t history.EventType
	switch e.Kind {
	case lease.EventGranted:
		t = history.EventLeaseGranted
		metrics.SetLeasesHeld(int(c.leasesHeld.Add(1)))
	case lease.EventFreed:
		t = history.EventLeaseFreed
		metrics.SetLeasesHeld(int(c.leasesHeld.Add(-1)))
	case lease.EventExpired:
		t = history.EventLeaseExpired
		metrics.SetLeasesHeld(int(c.leasesHeld.Add(-1)))
	default:
		return
	}
	c.history.Record(history.Event{Type: t, OccurredAt: e.At.UTC(), Lease: e.Name, Hostname: e.Owner})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
