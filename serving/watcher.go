package serving

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the registry when the artifact file changes on disk.
type Watcher struct {
	registry *Registry
	debounce time.Duration
	logger   *zap.Logger
	reloaded func(err error)
}

func NewWatcher(registry *Registry, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{registry: registry, debounce: debounce, logger: logger}
}

// OnReload sets fn to run after each reload attempt triggered by a file
// change. Set it before calling Run.
func (w *Watcher) OnReload(fn func(err error)) {
	w.reloaded = fn
}

// Run watches the artifact's directory until ctx is cancelled. The directory
// is watched rather than the file so atomic renames are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("serving: create watcher: %w", err)
	}
	defer fsw.Close()

	path, err := filepath.Abs(w.registry.Path())
	if err != nil {
		return err
	}
	dir, name := filepath.Split(path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("serving: watch %s: %w", dir, err)
	}
	w.logger.Info("watching model artifact", zap.String("path", path))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Clean(name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			_, err := w.registry.Load()
			if err == nil {
				w.logger.Info("model reloaded from disk", zap.String("path", path))
			}
			if w.reloaded != nil {
				w.reloaded(err)
			}
		}
	}
}
