// Package lease implements the cluster-wide singleton lease: a time-bounded
// claim that a named role is held by exactly one host.
package lease

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultPeriod is the nominal lease length. Clients re-assert once per period.
const DefaultPeriod = 60 * time.Second

// DefaultExpiryRatio stretches a granted lease past one period so that an
// on-time assertion always lands before expiry.
const DefaultExpiryRatio = 1.1

type EventKind string

const (
	EventGranted EventKind = "lease_granted"
	EventDenied  EventKind = "lease_denied"
	EventFreed   EventKind = "lease_freed"
	EventExpired EventKind = "lease_expired"
)

// Event describes one change (or refused change) of the lease table.
type Event struct {
	Kind  EventKind
	Name  string
	Owner string
	// Requester is the host that asked; differs from Owner on denial.
	Requester string
	At        time.Time
}

// Entry is a snapshot of one held lease.
type Entry struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

type TableOptions struct {
	Period      time.Duration
	ExpiryRatio float64
	Now         func() time.Time
	Logger      *slog.Logger
	// OnEvent runs on the table goroutine and must not block.
	OnEvent func(Event)
}

type entry struct {
	owner     string
	expiresAt time.Time
}

// Table is the authoritative lease map. All state is owned by one goroutine;
// callers talk to it over a channel so no lock is shared with request handlers.
type Table struct {
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger
	onEvent func(Event)

	reqs chan func(map[string]*entry)
	quit chan struct{}
	done chan struct{}
}

func NewTable(opts TableOptions) *Table {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.ExpiryRatio <= 0 {
		opts.ExpiryRatio = DefaultExpiryRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Table{
		ttl:     time.Duration(float64(opts.Period) * opts.ExpiryRatio),
		now:     opts.Now,
		log:     opts.Logger.With("component", "lease-table"),
		onEvent: opts.OnEvent,
		reqs:    make(chan func(map[string]*entry)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Table) loop() {
	defer close(t.done)
	leases := make(map[string]*entry)
	for {
		select {
		case fn := <-t.reqs:
			fn(leases)
		case <-t.quit:
			return
		}
	}
}

// do runs fn on the table goroutine and reports whether it ran.
func (t *Table) do(fn func(map[string]*entry)) bool {
	ran := make(chan struct{})
	select {
	case t.reqs <- func(m map[string]*entry) { fn(m); close(ran) }:
	case <-t.quit:
		return false
	}
	<-ran
	return true
}

// Close stops the table goroutine. Later calls deny every request.
func (t *Table) Close() {
	select {
	case <-t.quit:
	default:
		close(t.quit)
	}
	<-t.done
}

func (t *Table) emit(kind EventKind, name, owner, requester string, at time.Time) {
	if t.onEvent != nil {
		t.onEvent(Event{Kind: kind, Name: name, Owner: owner, Requester: requester, At: at})
	}
}

// cull drops every lease whose expiry has passed.
func (t *Table) cull(m map[string]*entry, now time.Time) {
	for name, e := range m {
		if e.expiresAt.Before(now) {
			t.log.Info("lease expired", "name", name, "owner", e.owner)
			delete(m, name)
			t.emit(EventExpired, name, e.owner, "", now)
		}
	}
}

func (t *Table) register(m map[string]*entry, name, host string, now time.Time) bool {
	if e, ok := m[name]; ok {
		t.log.Warn("duplicate lease registration", "name", name, "host", host,
			"owner", e.owner, "expires_in", e.expiresAt.Sub(now).Round(time.Second))
		t.emit(EventDenied, name, e.owner, host, now)
		return false
	}
	m[name] = &entry{owner: host, expiresAt: now.Add(t.ttl)}
	t.log.Debug("lease granted", "name", name, "host", host)
	t.emit(EventGranted, name, host, host, now)
	return true
}

// Register grants name to host if nobody holds it.
func (t *Table) Register(name, host string) bool {
	var granted bool
	t.do(func(m map[string]*entry) {
		now := t.now()
		t.cull(m, now)
		granted = t.register(m, name, host, now)
	})
	return granted
}

// Assert extends a lease held by host, registers it if free, and denies it
// (leaving the holder untouched) otherwise.
func (t *Table) Assert(name, host string) bool {
	var ok bool
	t.do(func(m map[string]*entry) {
		now := t.now()
		t.cull(m, now)
		e, held := m[name]
		switch {
		case !held:
			ok = t.register(m, name, host, now)
		case strings.EqualFold(e.owner, host):
			e.expiresAt = now.Add(t.ttl)
			ok = true
		default:
			t.emit(EventDenied, name, e.owner, host, now)
		}
	})
	return ok
}

// Free drops the lease if host owns it. Requests from other hosts are ignored.
func (t *Table) Free(name, host string) {
	t.do(func(m map[string]*entry) {
		e, ok := m[name]
		if !ok {
			return
		}
		if !strings.EqualFold(e.owner, host) {
			t.log.Debug("improper lease free", "name", name, "host", host, "owner", e.owner)
			return
		}
		delete(m, name)
		t.log.Debug("lease freed", "name", name, "host", host)
		t.emit(EventFreed, name, e.owner, host, t.now())
	})
}

// List returns the unexpired leases ordered by name.
func (t *Table) List() []Entry {
	var out []Entry
	t.do(func(m map[string]*entry) {
		t.cull(m, t.now())
		out = make([]Entry, 0, len(m))
		for name, e := range m {
			out = append(out, Entry{Name: name, Owner: e.owner, ExpiresAt: e.expiresAt})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
