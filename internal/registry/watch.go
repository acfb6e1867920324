package registry

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDropDir watches dropDir for manually copied .nbp package files and
// installs each one as it settles, debounced against the partial-write
// window a plain file copy leaves open. Mirrors the teacher loader's
// debounced fsnotify watch, generalized from hot-reloading compiled plugin
// binaries to picking up dropped packages.
func (r *Registry) WatchDropDir(ctx context.Context, dropDir string) error {
	if err := os.MkdirAll(dropDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dropDir); err != nil {
		watcher.Close()
		return err
	}

	go r.watchDropDirLoop(ctx, watcher)
	return nil
}

func (r *Registry) watchDropDirLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceMu sync.Mutex
	debounce := make(map[string]*time.Timer)

	install := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("failed to read dropped package", "path", path, "error", err)
			return
		}
		if _, err := r.Install(ctx, data, SourceLocal); err != nil {
			r.logger.Warn("failed to install dropped package", "path", path, "error", err)
			return
		}
		r.logger.Info("installed plugin from drop directory", "path", path)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".nbp") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			debounceMu.Lock()
			if t, exists := debounce[ev.Name]; exists {
				t.Stop()
			}
			path := ev.Name
			debounce[ev.Name] = time.AfterFunc(500*time.Millisecond, func() { install(path) })
			debounceMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("drop directory watcher error", "error", err)
		}
	}
}
