// Package control implements the administrator verbs: target changes with
// optional blocking until the fleet converges, daemon editing and YAML
// export/import of definitions.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
)

// Admin is the coordinator administration API (pkg/client.Client).
type Admin interface {
	ListDaemons(ctx context.Context, status daemon.Status) ([]daemon.Spec, error)
	GetDaemon(ctx context.Context, name string) (daemon.Spec, error)
	CreateDaemon(ctx context.Context, spec daemon.Spec) (daemon.Spec, error)
	PutDaemon(ctx context.Context, spec daemon.Spec) error
	PatchDaemon(ctx context.Context, name string, p api.DaemonPatch) (daemon.Spec, error)
	SetTarget(ctx context.Context, name string, status daemon.Status) error
}

// Verbs.
const (
	VerbStart    = "START"
	VerbStop     = "STOP"
	VerbRestart  = "RESTART"
	VerbShutdown = "SHUTDOWN"

	blockPrefix = "BLOCK_"
)

var ErrUnknownVerb = errors.New("unknown verb")

// Command is a parsed controller verb.
type Command struct {
	Verb  string
	Block bool
}

// ParseVerb accepts START, STOP, RESTART and SHUTDOWN, each optionally
// prefixed with BLOCK_. Case is ignored.
func ParseVerb(s string) (Command, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	c := Command{}
	if strings.HasPrefix(v, blockPrefix) {
		c.Block = true
		v = strings.TrimPrefix(v, blockPrefix)
	}
	switch v {
	case VerbStart, VerbStop, VerbRestart, VerbShutdown:
		c.Verb = v
		return c, nil
	}
	return Command{}, fmt.Errorf("%w %q", ErrUnknownVerb, s)
}

// Controller changes target states and optionally waits for convergence.
type Controller struct {
	admin Admin
	log   *slog.Logger
	// Poll is the convergence check interval; progress is logged every
	// ReportEvery polls.
	Poll        time.Duration
	ReportEvery int
}

func NewController(admin Admin, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{admin: admin, log: logger.With("component", "control"), Poll: time.Second, ReportEvery: 30}
}

// Do runs verb against names. SHUTDOWN ignores names and stops every daemon.
func (c *Controller) Do(ctx context.Context, verb string, names []string) error {
	cmd, err := ParseVerb(verb)
	if err != nil {
		return err
	}
	if cmd.Verb != VerbShutdown && len(names) == 0 {
		return fmt.Errorf("%s needs at least one daemon name", cmd.Verb)
	}
	switch cmd.Verb {
	case VerbStart:
		return c.set(ctx, names, daemon.StatusRunning, cmd.Block)
	case VerbStop:
		return c.set(ctx, names, daemon.StatusStopped, cmd.Block)
	case VerbRestart:
		if err := c.set(ctx, names, daemon.StatusStopped, true); err != nil {
			return err
		}
		return c.set(ctx, names, daemon.StatusRunning, cmd.Block)
	case VerbShutdown:
		all, err := c.admin.ListDaemons(ctx, "")
		if err != nil {
			return fmt.Errorf("list daemons: %w", err)
		}
		names = names[:0]
		for _, d := range all {
			names = append(names, d.Name)
		}
		return c.set(ctx, names, daemon.StatusStopped, cmd.Block)
	}
	return nil
}

func (c *Controller) set(ctx context.Context, names []string, target daemon.Status, block bool) error {
	for _, n := range names {
		if err := c.admin.SetTarget(ctx, n, target); err != nil {
			return fmt.Errorf("set %s to %s: %w", n, target, err)
		}
		c.log.Info("target set", "daemon", n, "target", target)
	}
	if !block {
		return nil
	}
	return c.Wait(ctx, names)
}

// Wait polls until every named daemon's observed status equals its target.
func (c *Controller) Wait(ctx context.Context, names []string) error {
	ticker := time.NewTicker(c.Poll)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		pending, err := c.pending(ctx, names)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			c.log.Info("all daemons converged", "count", len(names))
			return nil
		}
		if c.ReportEvery > 0 && tick > 0 && tick%c.ReportEvery == 0 {
			c.log.Info("still waiting", "pending", strings.Join(pending, ", "), "elapsed", time.Duration(tick)*c.Poll)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", strings.Join(pending, ", "), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Controller) pending(ctx context.Context, names []string) ([]string, error) {
	var out []string
	for _, n := range names {
		d, err := c.admin.GetDaemon(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", n, err)
		}
		if d.Status != d.TargetStatus {
			out = append(out, fmt.Sprintf("%s(%s->%s)", n, d.Status, d.TargetStatus))
		}
	}
	sort.Strings(out)
	return out, nil
}
