package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of writes from editors into one import.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-imports and activates a knowledge file whenever it changes.
type Watcher struct {
	importer *Importer
	path     string
	title    string
	debounce time.Duration
	onImport func(id int64) // test hook
}

// NewWatcher creates a Watcher for path. The block title defaults to the file name.
func NewWatcher(importer *Importer, path, title string) *Watcher {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{importer: importer, path: abs, title: title, debounce: DefaultDebounce}
}

// Run imports the file once and then re-imports on every change until ctx is cancelled.
// The parent directory is watched so atomic-rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("Watcher.Run: watching knowledge file", "path", w.path)

	w.reimport(ctx)

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
			slog.Info("Watcher.Run: stopping", "path", w.path)
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			slog.Debug("Watcher.Run: change detected", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("Watcher.Run: watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reimport(ctx)
		}
	}
}

func (w *Watcher) reimport(ctx context.Context) {
	block, err := w.importer.ImportFile(ctx, w.path, w.title, true)
	if err != nil {
		slog.Warn("Watcher: knowledge import failed, keeping previous block", "path", w.path, "error", err)
		return
	}
	if w.onImport != nil {
		w.onImport(block.ID)
	}
}
