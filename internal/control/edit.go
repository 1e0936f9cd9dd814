package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/daemon"
)

var ErrUsage = errors.New("usage")

const editUsage = `CREATE <name>
DAEMON <name> SET START|STOP <argv...>
DAEMON <name> SET PID <path>
DAEMON <name> SET SERVER [host]
DAEMON <name> SET MAXRUNSECS <seconds>
LIST [RUNNING|STOPPED]`

// Editor applies line-oriented edit commands to daemon definitions.
type Editor struct {
	admin Admin
	out   io.Writer
}

func NewEditor(admin Admin, out io.Writer) *Editor {
	return &Editor{admin: admin, out: out}
}

// Usage returns the accepted command forms.
func Usage() string { return editUsage }

// Exec runs one command given as words.
func (e *Editor) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", ErrUsage)
	}
	switch strings.ToUpper(args[0]) {
	case "CREATE":
		if len(args) != 2 {
			return fmt.Errorf("%w: CREATE <name>", ErrUsage)
		}
		created, err := e.admin.CreateDaemon(ctx, daemon.NewSpec(args[1]))
		if err != nil {
			return fmt.Errorf("create %s: %w", args[1], err)
		}
		_, _ = fmt.Fprintf(e.out, "created %s\n", created.Name)
		return nil
	case "DAEMON":
		if len(args) < 4 || !strings.EqualFold(args[2], "SET") {
			return fmt.Errorf("%w: DAEMON <name> SET <field> <value...>", ErrUsage)
		}
		return e.set(ctx, args[1], strings.ToUpper(args[3]), args[4:])
	case "LIST":
		var status daemon.Status
		if len(args) > 1 {
			st, err := daemon.ParseStatus(strings.ToUpper(args[1]))
			if err != nil {
				return fmt.Errorf("%w: LIST [RUNNING|STOPPED]", ErrUsage)
			}
			status = st
		}
		return e.list(ctx, status)
	}
	return fmt.Errorf("%w: unknown command %q\n%s", ErrUsage, args[0], editUsage)
}

func (e *Editor) set(ctx context.Context, name, field string, value []string) error {
	var p api.DaemonPatch
	switch field {
	case "START":
		if len(value) == 0 {
			return fmt.Errorf("%w: START needs a command", ErrUsage)
		}
		p.StartCommand = value
	case "STOP":
		if len(value) == 0 {
			return fmt.Errorf("%w: STOP needs a command", ErrUsage)
		}
		p.StopCommand = value
	case "PID":
		if len(value) != 1 {
			return fmt.Errorf("%w: PID <path>", ErrUsage)
		}
		p.PIDFile = &value[0]
	case "SERVER":
		host := strings.Join(value, "")
		p.Server = &host
	case "MAXRUNSECS":
		if len(value) != 1 {
			return fmt.Errorf("%w: MAXRUNSECS <seconds>", ErrUsage)
		}
		secs, err := strconv.ParseInt(value[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAXRUNSECS %q is not a number", ErrUsage, value[0])
		}
		d := time.Duration(secs) * time.Second
		p.MaxRuntime = &d
	default:
		return fmt.Errorf("%w: unknown field %q", ErrUsage, field)
	}
	d, err := e.admin.PatchDaemon(ctx, name, p)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	_, _ = fmt.Fprintf(e.out, "updated %s\n", d.Name)
	return nil
}

func (e *Editor) list(ctx context.Context, status daemon.Status) error {
	specs, err := e.admin.ListDaemons(ctx, status)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSERVER\tSTATUS\tTARGET\tMAX RUNTIME\tSTART")
	for _, d := range specs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, orDash(d.Server), d.Status, d.TargetStatus, d.MaxRuntime, orDash(strings.Join(d.StartCommand, " ")))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
