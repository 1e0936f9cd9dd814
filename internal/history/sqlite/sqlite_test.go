package sqlite

import (
	"context"
	"testing"

	"github.com/loykin/fleetd/internal/history"
)

func TestSQLiteSinkSend(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	e := history.NewEvent(history.EventActionIssued)
	e.Hostname, e.Daemon, e.ActionID, e.ActionKind = "h1", "web", 42, "start"
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}
	l := history.NewEvent(history.EventLeaseGranted)
	l.Lease, l.Hostname = "DaemonManager:h1", "h1"
	if err := sink.Send(ctx, l); err != nil {
		t.Fatalf("send lease: %v", err)
	}

	var (
		n      int
		daemon string
		id     int64
	)
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fleet_history`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d", n)
	}
	if err := sink.db.QueryRowContext(ctx, `SELECT daemon, action_id FROM fleet_history WHERE id = ?`, e.ID).Scan(&daemon, &id); err != nil {
		t.Fatalf("select: %v", err)
	}
	if daemon != "web" || id != 42 {
		t.Fatalf("unexpected row: %s %d", daemon, id)
	}
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error")
	}
}
