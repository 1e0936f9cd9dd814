package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Restart modes.
const (
	RestartExit     = "exit"
	RestartRelaunch = "relaunch"
	RestartCommand  = "command"
)

// Restarter handles a request to restart the supervised unit.
type Restarter interface {
	RequestRestart(ctx context.Context, reason string) error
}

// ExitRestarter terminates the supervisor with exit code 1 and leaves the
// restart to whatever started it.
type ExitRestarter struct {
	Exit   func(code int)
	Logger *slog.Logger
}

func (r ExitRestarter) RequestRestart(_ context.Context, reason string) error {
	r.Logger.Warn("restart requested, exiting", "reason", reason)
	r.Exit(1)
	return nil
}

// RelaunchRestarter does nothing; the supervisor loop relaunches in place.
type RelaunchRestarter struct{ Logger *slog.Logger }

func (r RelaunchRestarter) RequestRestart(_ context.Context, reason string) error {
	r.Logger.Info("restart requested, relaunching in place", "reason", reason)
	return nil
}

// CommandRestarter asks an external wrapper manager to restart us, then
// waits for it to act.
type CommandRestarter struct {
	Command []string
	Wait    time.Duration
	Logger  *slog.Logger
}

func (r CommandRestarter) RequestRestart(ctx context.Context, reason string) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("restart command not configured")
	}
	r.Logger.Warn("restart requested, running restart command", "reason", reason, "argv", r.Command)
	// #nosec G204 restart command comes from local configuration
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("restart command: %w", err)
	}
	t := time.NewTimer(r.Wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

// NewRestarter builds the Restarter for mode. exit defaults to os.Exit.
func NewRestarter(mode string, command []string, wait time.Duration, exit func(int), logger *slog.Logger) (Restarter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exit == nil {
		exit = os.Exit
	}
	switch mode {
	case "", RestartExit:
		return ExitRestarter{Exit: exit, Logger: logger}, nil
	case RestartRelaunch:
		return RelaunchRestarter{Logger: logger}, nil
	case RestartCommand:
		if len(command) == 0 {
			return nil, fmt.Errorf("restart mode %q needs a command", mode)
		}
		return CommandRestarter{Command: command, Wait: wait, Logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown restart mode %q", mode)
}
