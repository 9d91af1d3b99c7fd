package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the graph directory and marks the store dirty on any
// .ttl change. The store itself reloads only between evaluate calls, so a
// mid-evaluation edit never changes query results.
type Watcher struct {
	store   *Store
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the store's directory.
func NewWatcher(store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}
	return &Watcher{store: store, logger: logger, watcher: fw}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".ttl" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Graph file changed",
				slog.String("file", event.Name),
				slog.String("op", event.Op.String()))
			w.store.MarkDirty()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}
