package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launchyard/launchyard/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives each successfully reloaded definition.
type ReloadFunc func(ctx context.Context, def *Definition) error

// Watcher reloads a pipeline file when it changes.
type Watcher struct {
	logger *telemetry.Logger
	delay  time.Duration

	// mu serializes reloads so a slow ReloadFunc never overlaps itself.
	mu sync.Mutex
}

// NewWatcher creates a watcher. A nil logger discards output.
func NewWatcher(logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Watcher{
		logger: logger.NewComponentLogger("pipeline-watcher"),
		delay:  DefaultReloadDelay,
	}
}

// WithDelay sets the debounce delay.
func (w *Watcher) WithDelay(d time.Duration) *Watcher {
	w.delay = d
	return w
}

// Watch starts watching path and returns. reloadFn is called after each
// change that yields a valid definition; invalid edits are logged and
// skipped. Watching stops when ctx is done.
func (w *Watcher) Watch(ctx context.Context, path string, reloadFn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files by rename, which drops a watch on the
	// file itself, so watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go w.processEvents(ctx, watcher, abs, reloadFn)

	w.logger.WithField("path", abs).Info("Started watching pipeline")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, reloadFn ReloadFunc) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Pipeline file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if err := w.triggerReload(ctx, path, reloadFn); err != nil {
					w.logger.WithError(err).Error("Failed to reload pipeline")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) triggerReload(ctx context.Context, path string, reloadFn ReloadFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	def, err := Load(path)
	if err != nil {
		return err
	}

	w.logger.WithField("pipeline", def.Name).Info("Reloading pipeline")
	if err := reloadFn(ctx, def); err != nil {
		return fmt.Errorf("failed to apply reloaded pipeline: %w", err)
	}
	return nil
}
