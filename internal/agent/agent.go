// Package agent runs on every host and reconciles local daemons toward the
// coordinator's targets, one action at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/detector"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/notify"
)

// ManagerLease is the per-server lease that keeps one agent per host.
const ManagerLease = "DaemonManager"

var (
	// ErrLaunch means the start or stop command could not be spawned.
	ErrLaunch = errors.New("launch failed")
	// ErrPIDFile means the pid file was missing, unreadable or pointed at a dead process.
	ErrPIDFile = errors.New("pid file check failed")
	// ErrStopTimeout means the daemon outlived its stop timeout.
	ErrStopTimeout = errors.New("daemon still alive after stop timeout")
)

// Executor carries out start and stop actions on the local host.
type Executor interface {
	Start(ctx context.Context, spec daemon.Spec) error
	Stop(ctx context.Context, spec daemon.Spec, timeout time.Duration) error
}

// Coordinator is the part of the coordinator API the agent loop needs.
// connection.Manager satisfies it with retries on connectivity failures.
type Coordinator interface {
	Noop(ctx context.Context) error
	KnownDaemons(ctx context.Context) ([]daemon.Spec, error)
	NextAction(ctx context.Context, req api.NextActionRequest) (*daemon.Action, error)
	CompleteAction(ctx context.Context, req api.CompleteActionRequest) error
}

// Leases acquires the per-server manager lease.
type Leases interface {
	AcquirePerServer(ctx context.Context, name string, waitForever bool) error
	ReleasePerServer(ctx context.Context, name string)
}

type Options struct {
	Hostname    string
	Environment string

	Coordinator Coordinator
	Executor    Executor
	Leases      Leases
	Notifier    *notify.Notifier
	Sampler     *metrics.ProcessSampler
	Logger      *slog.Logger

	LockFile     string
	CacheTTL     time.Duration
	BusyInterval time.Duration
	IdleInterval time.Duration
	RestartDelay time.Duration

	// Probe reports whether a daemon is running. Defaults to a pid file check.
	Probe func(spec daemon.Spec) (pid int, alive bool)
	Now   func() time.Time
}

type Agent struct {
	opts Options
	exp  daemon.Expander
	log  *slog.Logger

	// loop state, owned by the Run goroutine
	cache     []daemon.Spec
	fetchedAt time.Time
	session   string
	lastID    uint64

	mu      sync.Mutex
	running map[string]int32
}

func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.BusyInterval <= 0 {
		opts.BusyInterval = time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = time.Minute
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 30 * time.Second
	}
	if opts.Probe == nil {
		opts.Probe = probePIDFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Agent{
		opts:    opts,
		exp:     daemon.Expander{Hostname: opts.Hostname, Environment: opts.Environment},
		log:     opts.Logger.With("component", "agent", "host", opts.Hostname),
		running: make(map[string]int32),
	}
}

func probePIDFile(spec daemon.Spec) (int, bool) {
	if spec.PIDFile == "" {
		return 0, false
	}
	alive, err := detector.PIDFileDetector{PIDFile: spec.PIDFile}.Alive()
	if err != nil || !alive {
		return 0, false
	}
	pid, err := detector.ReadPIDFile(spec.PIDFile)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Serve takes the host lock and the per-server lease, then runs Watch until
// ctx ends.
func (a *Agent) Serve(ctx context.Context) error {
	unlock, err := acquireLock(a.opts.LockFile)
	if err != nil {
		return err
	}
	defer unlock()

	if a.opts.Leases != nil {
		if err := a.opts.Leases.AcquirePerServer(ctx, ManagerLease, true); err != nil {
			return fmt.Errorf("acquire %s lease: %w", ManagerLease, err)
		}
		defer a.opts.Leases.ReleasePerServer(context.WithoutCancel(ctx), ManagerLease)
	}
	if a.opts.Sampler != nil {
		a.opts.Sampler.Start(ctx, a.RunningPIDs)
		defer a.opts.Sampler.Stop()
	}
	return a.Watch(ctx)
}

// Watch runs the loop and restarts it after RestartDelay whenever it fails
// or panics. It returns only when ctx ends.
func (a *Agent) Watch(ctx context.Context) error {
	for {
		err := a.runSafe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := fmt.Sprintf("agent loop on %s died: %v", a.opts.Hostname, err)
		a.log.Error("agent loop died, restarting", "error", err, "restart_in", a.opts.RestartDelay)
		a.opts.Notifier.Notify(ctx, "agent", msg)
		if err := sleepCtx(ctx, a.opts.RestartDelay); err != nil {
			return err
		}
	}
}

func (a *Agent) runSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.Run(ctx)
}

// Run is the reconciliation loop. Each call starts a new session so an
// action left unacknowledged by a previous run is abandoned by the coordinator.
func (a *Agent) Run(ctx context.Context) error {
	a.session = uuid.NewString()
	a.lastID = 0
	a.cache = nil
	a.log.Info("agent loop started", "session", a.session)
	for {
		busy, err := a.Step(ctx)
		if err != nil {
			return err
		}
		wait := a.opts.IdleInterval
		if busy {
			wait = a.opts.BusyInterval
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Step performs one iteration and reports whether an action was received.
func (a *Agent) Step(ctx context.Context) (bool, error) {
	if a.session == "" {
		a.session = uuid.NewString()
	}
	if err := a.opts.Coordinator.Noop(ctx); err != nil {
		return false, fmt.Errorf("coordinator unavailable: %w", err)
	}
	if err := a.refresh(ctx); err != nil {
		return false, err
	}
	running := a.probe()

	action, err := a.opts.Coordinator.NextAction(ctx, api.NextActionRequest{
		Hostname:     a.opts.Hostname,
		Session:      a.session,
		LastActionID: a.lastID,
		Running:      running,
	})
	if err != nil {
		return false, fmt.Errorf("next action: %w", err)
	}
	if action == nil {
		return false, nil
	}
	a.lastID = action.ID
	a.execute(ctx, *action)
	return true, nil
}

func (a *Agent) refresh(ctx context.Context) error {
	if a.cache != nil && a.opts.Now().Sub(a.fetchedAt) < a.opts.CacheTTL {
		return nil
	}
	specs, err := a.opts.Coordinator.KnownDaemons(ctx)
	if err != nil {
		return fmt.Errorf("known daemons: %w", err)
	}
	cache := make([]daemon.Spec, 0, len(specs))
	for _, s := range specs {
		cache = append(cache, a.exp.Spec(s))
	}
	a.cache = cache
	a.fetchedAt = a.opts.Now()
	a.log.Debug("daemon cache refreshed", "count", len(cache))
	return nil
}

func (a *Agent) probe() []string {
	names := make([]string, 0)
	pids := make(map[string]int32)
	for _, s := range a.cache {
		if pid, ok := a.opts.Probe(s); ok {
			names = append(names, s.Name)
			pids[s.Name] = int32(pid)
		}
	}
	sort.Strings(names)
	a.mu.Lock()
	a.running = pids
	a.mu.Unlock()
	metrics.SetAgentRunning(len(names))
	return names
}

// RunningPIDs returns the daemons found alive by the last probe.
func (a *Agent) RunningPIDs() map[string]int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int32, len(a.running))
	for k, v := range a.running {
		out[k] = v
	}
	return out
}

// execute runs one action. Only a successful action is reported back; a
// failed one is left for the coordinator to abandon and reissue.
func (a *Agent) execute(ctx context.Context, action daemon.Action) {
	action.Daemon = a.exp.Spec(action.Daemon)
	log := a.log.With("action", action.String())

	var err error
	switch action.Kind {
	case daemon.ActionStart:
		err = a.opts.Executor.Start(ctx, action.Daemon)
	case daemon.ActionStop:
		timeout := time.Duration(action.TimeoutSeconds) * time.Second
		err = a.opts.Executor.Stop(ctx, action.Daemon, timeout)
	default:
		err = fmt.Errorf("unknown action kind %q", action.Kind)
	}
	metrics.IncAgentAction(string(action.Kind), err == nil)
	if err != nil {
		log.Error("action failed", "error", err)
		return
	}

	err = a.opts.Coordinator.CompleteAction(ctx, api.CompleteActionRequest{
		Hostname: a.opts.Hostname,
		Session:  a.session,
		Action:   action,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("could not report completed action", "error", err)
		return
	}
	log.Info("action completed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
