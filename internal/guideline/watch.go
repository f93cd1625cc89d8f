package guideline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events editors emit on save.
const DefaultWatchDebounce = 2 * time.Second

// Watch rebuilds the library whenever the guideline file at path is written
// or replaced. It blocks until ctx is done. Failed rebuilds are logged and the
// previous index keeps serving.
func (l *Library) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck // nothing to do on close failure

	target := filepath.Clean(path)
	// watch the directory so atomic rename-over saves are seen
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	L := l.logger.With("path", target)
	L.Info(ctx, "watching guideline file")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			L.Warn(ctx, "guideline watcher error", "error", err.Error())

		case <-fire:
			fire = nil
			doc, err := LoadFile(target)
			if err != nil {
				L.Error(ctx, err, "reload guideline file")
				continue
			}
			// Rebuild logs its own failures
			_, _ = l.Rebuild(ctx, doc)
		}
	}
}
