package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TaskFunc is an in-process task. Returning an error or panicking counts as
// a crash; a nil return is a clean exit.
type TaskFunc func(ctx context.Context) error

// Registry resolves task ids for in-process mode.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register adds fn under id. Ids are unique.
func (r *Registry) Register(id string, fn TaskFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("register task: id and func required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return fmt.Errorf("task %q already registered", id)
	}
	r.tasks[id] = fn
	return nil
}

func (r *Registry) Lookup(id string) (TaskFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[id]
	return fn, ok
}

// IDs lists registered task ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
