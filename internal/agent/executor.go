//go:build !windows

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/detector"
)

// ProcessExecutor runs daemon commands as detached processes and judges
// success through the daemon's pid file.
type ProcessExecutor struct {
	StartGrace time.Duration
	StopPoll   time.Duration
	Logger     *slog.Logger
}

func NewProcessExecutor(startGrace, stopPoll time.Duration, logger *slog.Logger) *ProcessExecutor {
	if startGrace <= 0 {
		startGrace = 5 * time.Second
	}
	if stopPoll <= 0 {
		stopPoll = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{StartGrace: startGrace, StopPoll: stopPoll, Logger: logger}
}

// spawn launches argv in its own session so the daemon outlives the agent.
// The child is reaped in the background.
func (e *ProcessExecutor) spawn(name string, argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("%w: %s: empty command", ErrLaunch, name)
	}
	// #nosec G204 commands come from the coordinator's daemon definitions
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLaunch, name, err)
	}
	pid := cmd.Process.Pid
	e.Logger.Debug("spawned", "daemon", name, "pid", pid, "argv", argv)
	go func() {
		err := cmd.Wait()
		e.Logger.Debug("launcher exited", "daemon", name, "pid", pid, "error", err)
	}()
	return nil
}

// Start runs the start command, waits StartGrace and then requires a pid file
// naming a live process.
func (e *ProcessExecutor) Start(ctx context.Context, spec daemon.Spec) error {
	e.Logger.Info("starting daemon", "daemon", spec.Name, "argv", spec.StartCommand)
	if err := e.spawn(spec.Name, spec.StartCommand); err != nil {
		return err
	}
	if err := sleepCtx(ctx, e.StartGrace); err != nil {
		return err
	}
	pid, err := detector.ReadPIDFile(spec.PIDFile)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPIDFile, spec.Name, err)
	}
	alive, err := detector.PIDFileDetector{PIDFile: spec.PIDFile}.Alive()
	if err != nil || !alive {
		return fmt.Errorf("%w: %s: pid %d is not running", ErrPIDFile, spec.Name, pid)
	}
	e.Logger.Info("daemon started", "daemon", spec.Name, "pid", pid)
	return nil
}

// Stop runs the stop command and polls until the daemon is gone or timeout
// is used up. A missing pid file means the daemon is already stopped.
func (e *ProcessExecutor) Stop(ctx context.Context, spec daemon.Spec, timeout time.Duration) error {
	pid, err := detector.ReadPIDFile(spec.PIDFile)
	if errors.Is(err, detector.ErrNoPIDFile) {
		e.Logger.Info("no pid file, daemon already stopped", "daemon", spec.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPIDFile, spec.Name, err)
	}
	if timeout <= 0 {
		timeout = daemon.DefaultStopTimeout * time.Second
	}

	e.Logger.Info("stopping daemon", "daemon", spec.Name, "pid", pid, "argv", spec.StopCommand)
	if len(spec.StopCommand) == 0 {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%w: %s: signal pid %d: %v", ErrLaunch, spec.Name, pid, err)
		}
	} else if err := e.spawn(spec.Name, spec.StopCommand); err != nil {
		return err
	}

	for remaining := timeout; ; remaining -= e.StopPoll {
		if !e.alive(spec.PIDFile, pid) {
			e.Logger.Info("daemon stopped", "daemon", spec.Name, "pid", pid)
			return nil
		}
		if remaining <= 0 {
			return fmt.Errorf("%w: %s pid %d after %s", ErrStopTimeout, spec.Name, pid, timeout)
		}
		if err := sleepCtx(ctx, min(e.StopPoll, remaining)); err != nil {
			return err
		}
	}
}

func (e *ProcessExecutor) alive(pidFile string, pid int) bool {
	alive, err := detector.PIDFileDetector{PIDFile: pidFile}.Alive()
	if err != nil {
		alive, _ = detector.PIDDetector{PID: pid}.Alive()
	}
	return alive
}
