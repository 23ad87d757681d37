package pricing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of writes from editors and config tools.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a catalog file into a Table when it changes on disk.
// A file that fails to parse or validate is logged and ignored, leaving the
// previous catalog active.
type Watcher struct {
	path     string
	table    *Table
	logger   *zap.Logger
	debounce time.Duration
	// onReload, if set, is called after every reload attempt.
	onReload func(*Catalog, error)
}

// NewWatcher creates a Watcher for path feeding t.
func NewWatcher(path string, t *Table, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		table:    t,
		logger:   logger.Named("pricing"),
		debounce: DefaultDebounce,
	}
}

// OnReload registers fn to observe reload results.
func (w *Watcher) OnReload(fn func(*Catalog, error)) { w.onReload = fn }

// Reload reads the file and swaps it in.
func (w *Watcher) Reload() (*Catalog, error) {
	c, err := LoadFile(w.path)
	if err == nil {
		_, err = w.table.Swap(c)
	}
	if err != nil {
		w.logger.Warn("pricing reload failed, keeping current catalog",
			zap.String("path", w.path),
			zap.String("active_version", w.table.Version()),
			zap.Error(err))
	} else {
		w.logger.Info("pricing catalog reloaded",
			zap.String("path", w.path),
			zap.String("version", c.Version),
			zap.Int("models", len(c.Models)),
			zap.Strings("unpriced", c.Unpriced()))
	}
	if w.onReload != nil {
		w.onReload(c, err)
	}
	return c, err
}

// Watch blocks until ctx is done, reloading on every change to the file.
// The parent directory is watched so atomic rename-into-place is seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch pricing dir: %w", err)
	}
	target := filepath.Clean(w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("pricing watcher error", zap.Error(err))
		case <-timer.C:
			_, _ = w.Reload()
		}
	}
}
