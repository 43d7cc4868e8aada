package wasm

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads precompiled .wasm files from a directory into a
// Host as they're written, so a node's wasm module can be updated
// without restarting the daemon.
type Watcher struct {
	dir  string
	host *Host
}

// NewWatcher builds a Watcher over dir, bound to host.
func NewWatcher(dir string, host *Host) *Watcher {
	return &Watcher{dir: dir, host: host}
}

// Start loads every existing .wasm file in dir, then watches for
// writes/creates/renames and reloads the affected module. Start
// returns once the initial load completes; the watch loop itself
// runs in a goroutine until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.wasm"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		w.load(ctx, path)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".wasm") {
					continue
				}
				w.load(ctx, ev.Name)
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (w *Watcher) load(ctx context.Context, path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		w.host.logger.Warn("wasm watcher: read failed", "path", path, "error", err)
		return
	}
	if err := w.host.LoadModuleFromBytes(ctx, name, data); err != nil {
		w.host.logger.Warn("wasm watcher: load failed", "path", path, "error", err)
		return
	}
	w.host.logger.Info("wasm module hot-reloaded", "module", name, "path", path)
}
