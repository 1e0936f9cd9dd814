package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

// child is one launched unit of work.
type child interface {
	// wait blocks until the unit ends and returns its exit code.
	wait() int
	// kill ends the unit immediately. It must not block on the output pump.
	kill()
	pid() int
}

// taskChild runs a TaskFunc in a goroutine. Errors and panics map to exit 1.
type taskChild struct {
	cancel context.CancelFunc
	done   chan int
}

func startTask(ctx context.Context, id string, fn TaskFunc, log *slog.Logger) *taskChild {
	tctx, cancel := context.WithCancel(ctx)
	c := &taskChild{cancel: cancel, done: make(chan int, 1)}
	go func() {
		code := 0
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked", "task", id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				code = 1
			}
			c.done <- code
		}()
		if err := fn(tctx); err != nil {
			log.Error("task failed", "task", id, "error", err)
			code = 1
		}
	}()
	return c
}

func (c *taskChild) wait() int {
	code := <-c.done
	c.cancel()
	return code
}

func (c *taskChild) kill()    { c.cancel() }
func (c *taskChild) pid() int { return os.Getpid() }
