package listconfig

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of events editors produce when
// saving (truncate, write, chmod, or rename-over).
const defaultDebounce = 250 * time.Millisecond

// Watcher reapplies a presets file through a Configurer whenever the
// file is written or replaced.
type Watcher struct {
	path     string
	target   Configurer
	logger   *slog.Logger
	debounce time.Duration

	// applied is called after every reload attempt. Tests hook it.
	applied func(err error)
}

// NewWatcher creates a watcher for path. Nothing happens until Run.
func NewWatcher(path string, target Configurer, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Run watches the file's directory so atomic replacements are seen, and
// blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// fsnotify errors are non-fatal; the next event retries.
			w.logger.Warn("list presets watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.apply(ctx)
	if err != nil {
		w.logger.Warn("reloading list presets failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	}

	if w.applied != nil {
		w.applied(err)
	}
}

func (w *Watcher) apply(ctx context.Context) error {
	lists, err := Load(w.path)
	if err != nil {
		return err
	}

	if err := Apply(ctx, w.target, lists); err != nil {
		return err
	}

	w.logger.Info("list presets reloaded", slog.Int("lists", len(lists)))

	return nil
}
