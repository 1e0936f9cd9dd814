package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// BuildSource supplies the build identifier advertised to supervisors. A
// static value is used as is; a build file is re-read whenever it changes on
// disk, so redeploying the coordinator's build metadata takes effect without a
// restart.
type BuildSource struct {
	mu    sync.RWMutex
	value string

	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// StaticBuild returns a source that always reports value.
func StaticBuild(value string) *BuildSource {
	return &BuildSource{value: value}
}

// WatchBuildFile reads path and keeps following it until Close.
func WatchBuildFile(path string, logger *slog.Logger) (*BuildSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BuildSource{path: filepath.Clean(path), log: logger.With("component", "build-source")}
	if err := b.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// watch the directory: deploy tools usually replace the file by rename
	if err := w.Add(filepath.Dir(b.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch build file %s: %w", b.path, err)
	}
	b.watcher = w
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.watch(ctx)
	return b, nil
}

func (b *BuildSource) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read build file: %w", err)
	}
	v := strings.TrimSpace(string(data))
	b.mu.Lock()
	old := b.value
	b.value = v
	b.mu.Unlock()
	if old != "" && old != v && b.log != nil {
		b.log.Info("build changed", "from", old, "to", v)
	}
	return nil
}

func (b *BuildSource) watch(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != b.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := b.reload(); err != nil {
					// keep the previous value until the file is readable again
					b.log.Warn("build file reload failed", "error", err)
				}
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("build file watcher error", "error", err)
		}
	}
}

// Current returns the latest build identifier.
func (b *BuildSource) Current() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

func (b *BuildSource) Close() error {
	if b.watcher == nil {
		return nil
	}
	b.cancel()
	err := b.watcher.Close()
	<-b.done
	return err
}
