package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize bounds the number of events waiting for delivery.
const DefaultQueueSize = 1024

// Recorder delivers events to its sinks from a background goroutine so that
// callers on the request path never wait on a remote system. When the queue is
// full new events are dropped and counted.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	log     *slog.Logger
	timeout time.Duration

	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(logger *slog.Logger, queueSize int, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		log:     logger.With("component", "history"),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Record enqueues e. A nil Recorder, one without sinks, or one already
// closed discards events.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.ID == "" || e.OccurredAt.IsZero() {
		fresh := NewEvent(e.Type)
		if e.ID == "" {
			e.ID = fresh.ID
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = fresh.OccurredAt
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("history queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close drains the queue and closes sinks that implement io.Closer. Later
// calls wait for the drain and return nil.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
