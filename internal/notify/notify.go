// Package notify fans an operator-facing message out to a list of handlers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler delivers one notification. Returning false or an error lets the
// notifier log the failure and move on to the next handler.
type Handler interface {
	Name() string
	Handle(ctx context.Context, caller, message string) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, caller, message string) (bool, error)
}

func (h HandlerFunc) Name() string { return h.ID }

func (h HandlerFunc) Handle(ctx context.Context, caller, message string) (bool, error) {
	return h.Fn(ctx, caller, message)
}

// Notifier calls handlers in registration order.
type Notifier struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *slog.Logger
}

func New(logger *slog.Logger, handlers ...Handler) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{handlers: handlers, log: logger.With("component", "notify")}
}

// Add appends a handler.
func (n *Notifier) Add(h Handler) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

// Notify reports whether at least one handler accepted the message.
// A nil Notifier accepts nothing.
func (n *Notifier) Notify(ctx context.Context, caller, message string) bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	hs := append([]Handler(nil), n.handlers...)
	n.mu.RUnlock()

	delivered := false
	for _, h := range hs {
		ok, err := n.call(ctx, h, caller, message)
		if err != nil {
			n.log.Warn("notification handler failed", "handler", h.Name(), "caller", caller, "error", err)
			continue
		}
		delivered = delivered || ok
	}
	return delivered
}

func (n *Notifier) call(ctx context.Context, h Handler, caller, message string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, caller, message)
}
