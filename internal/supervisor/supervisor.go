// Package supervisor keeps one child (an OS process or an in-process task)
// running forever, applies the crash-restart policy and restarts the child
// when the coordinator advertises a new build.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/fleetd/internal/detector"
	"github.com/loykin/fleetd/internal/env"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/notify"
)

// Modes.
const (
	ModeExternal  = "external"
	ModeInProcess = "inprocess"
)

// BuildSource reports the coordinator's current build.
type BuildSource interface {
	BuildNumber(ctx context.Context) (string, error)
}

// terminateWait bounds how long Terminate waits for the child to be reaped.
const terminateWait = 10 * time.Second

var errTerminated = errors.New("supervisor terminated")

// Leases guards singleton units.
type Leases interface {
	Acquire(ctx context.Context, name string, waitForever bool) error
	Release(ctx context.Context, name string)
}

type Options struct {
	Name     string
	Mode     string
	Command  []string
	Task     string
	Registry *Registry
	WorkDir  string
	Env      []string
	PIDFile  string

	Singleton bool
	Leases    Leases

	CrashGrace    time.Duration
	RelaunchDelay time.Duration
	BuildPoll     time.Duration
	KillGrace     time.Duration
	StageSource   string
	StageTarget   string
	// LocalBuild is the build this binary was deployed as. A coordinator build
	// different from it is drift. Empty adopts the first polled build.
	LocalBuild string

	Restarter Restarter
	Build     BuildSource
	Notifier  *notify.Notifier
	Logger    *slog.Logger
	// Exit ends the process after Terminate. Defaults to os.Exit.
	Exit func(code int)
}

type Supervisor struct {
	opts Options
	log  *slog.Logger
	env  []string

	mu      sync.Mutex
	cur     child
	reaped  chan struct{}
	stopped bool

	// drift carries a new build seen by the poller to the run loop.
	drift chan string
}

func New(opts Options) (*Supervisor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeExternal
	}
	switch opts.Mode {
	case ModeExternal:
		if len(opts.Command) == 0 {
			return nil, errors.New("external mode needs a command")
		}
	case ModeInProcess:
		if _, ok := opts.Registry.Lookup(opts.Task); !ok {
			return nil, fmt.Errorf("unknown task %q", opts.Task)
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.Name == "" {
		if opts.Mode == ModeInProcess {
			opts.Name = opts.Task
		} else {
			opts.Name = opts.Command[0]
		}
	}
	if opts.CrashGrace < 0 {
		opts.CrashGrace = 0
	}
	if opts.RelaunchDelay <= 0 {
		opts.RelaunchDelay = time.Second
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Restarter == nil {
		opts.Restarter = RelaunchRestarter{Logger: opts.Logger}
	}
	return &Supervisor{
		opts:  opts,
		log:   opts.Logger.With("component", "supervisor", "unit", opts.Name),
		env:   env.New().FromOS().Merge(opts.Env),
		drift: make(chan string, 1),
	}, nil
}

// Run supervises until ctx ends; the running child is killed on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.Singleton && s.opts.Leases != nil {
		if err := s.opts.Leases.Acquire(ctx, s.opts.Name, false); err != nil {
			return fmt.Errorf("singleton lease %s: %w", s.opts.Name, err)
		}
		defer s.opts.Leases.Release(context.WithoutCancel(ctx), s.opts.Name)
	}
	if s.opts.PIDFile != "" {
		if err := detector.WritePIDFile(s.opts.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = os.Remove(s.opts.PIDFile) }()
	}
	if s.opts.Build != nil && s.opts.BuildPoll > 0 {
		go s.watchBuild(ctx)
	}

	reason := "initial"
	for {
		code, err := s.runOnce(ctx, reason)
		if ctx.Err() != nil || errors.Is(err, errTerminated) {
			s.log.Info("supervisor stopped")
			return nil
		}
		reason = "relaunch"

		select {
		case build := <-s.drift:
			s.onBuildChange(ctx, build)
			reason = "build"
		default:
			if err != nil || code != 0 {
				s.onCrash(ctx, code, err)
			} else {
				s.log.Info("child exited cleanly")
			}
		}
		if err := sleepCtx(ctx, s.opts.RelaunchDelay); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, reason string) (int, error) {
	// launching under mu means Terminate either sees the child or stops the launch
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return -1, errTerminated
	}
	c, err := s.launch(ctx)
	if err != nil {
		s.mu.Unlock()
		return -1, err
	}
	reaped := make(chan struct{})
	s.cur, s.reaped = c, reaped
	// a build change signalled before this launch still applies to it
	if len(s.drift) > 0 {
		c.kill()
	}
	s.mu.Unlock()
	metrics.IncLaunch(reason)
	s.log.Info("child launched", "pid", c.pid(), "reason", reason)

	stop := context.AfterFunc(ctx, c.kill)
	defer stop()

	code := c.wait()

	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
	close(reaped)
	s.log.Info("child exited", "code", code)
	return code, nil
}

func (s *Supervisor) launch(ctx context.Context) (child, error) {
	if s.opts.Mode == ModeInProcess {
		fn, _ := s.opts.Registry.Lookup(s.opts.Task)
		return startTask(ctx, s.opts.Task, fn, s.log), nil
	}
	return startExternal(s.opts.Command, s.env, s.opts.WorkDir, s.log)
}

func (s *Supervisor) onCrash(ctx context.Context, code int, err error) {
	msg := fmt.Sprintf("%s exited with code %d", s.opts.Name, code)
	if err != nil {
		msg = fmt.Sprintf("%s failed to launch: %v", s.opts.Name, err)
	}
	s.log.Error("child crashed", "code", code, "error", err, "grace", s.opts.CrashGrace)
	s.opts.Notifier.Notify(ctx, "supervisor", msg)
	if sleepCtx(ctx, s.opts.CrashGrace) != nil {
		return
	}
	if err := s.opts.Restarter.RequestRestart(ctx, "crash: "+msg); err != nil {
		s.log.Error("restart request failed", "error", err)
	}
}

func (s *Supervisor) onBuildChange(ctx context.Context, build string) {
	if sleepCtx(ctx, s.opts.KillGrace) != nil {
		return
	}
	if s.opts.StageSource != "" && s.opts.StageTarget != "" {
		if err := stageFile(s.opts.StageSource, s.opts.StageTarget); err != nil {
			s.log.Error("staging failed", "error", err)
		} else {
			s.log.Info("staged new build", "from", s.opts.StageSource, "to", s.opts.StageTarget)
		}
	}
	if err := s.opts.Restarter.RequestRestart(ctx, "build "+build); err != nil {
		s.log.Error("restart request failed", "error", err)
	}
}

// watchBuild polls the coordinator build, first right away and then every
// BuildPoll. The baseline is LocalBuild, or the first answer when that is
// unknown; any change kills the child and hands the build to the run loop.
func (s *Supervisor) watchBuild(ctx context.Context) {
	ticker := time.NewTicker(s.opts.BuildPoll)
	defer ticker.Stop()
	baseline := s.opts.LocalBuild
	for {
		s.pollBuild(ctx, &baseline)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) pollBuild(ctx context.Context, baseline *string) {
	build, err := s.opts.Build.BuildNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("build poll failed", "error", err)
		}
		return
	}
	if *baseline == "" {
		*baseline = build
		s.log.Info("build baseline", "build", build)
		return
	}
	if build == *baseline {
		return
	}
	s.log.Warn("build changed, restarting child", "from", *baseline, "to", build)
	*baseline = build
	select {
	case s.drift <- build:
	default:
	}
	s.Kill()
}

// Terminate stops further launches, kills the child, waits for it to be
// reaped and then calls Options.Exit with code. Lease loss on a singleton
// unit ends here so the child never outlives the lease.
func (s *Supervisor) Terminate(code int) {
	s.mu.Lock()
	s.stopped = true
	c, reaped := s.cur, s.reaped
	s.mu.Unlock()
	if c != nil {
		c.kill()
		select {
		case <-reaped:
		case <-time.After(terminateWait):
			s.log.Error("child not reaped before exit", "pid", c.pid())
		}
	}
	s.log.Error("supervisor terminating", "code", code)
	s.opts.Exit(code)
}

// Kill force-kills the current child, if any.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c != nil {
		c.kill()
	}
}

// PIDs returns the current child's pid keyed by unit name.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return map[string]int32{}
	}
	return map[string]int32{s.opts.Name: int32(s.cur.pid())}
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
