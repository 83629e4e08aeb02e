// Package realtime turns latest.json updates into events and drives the
// per-agency trees from them.
package realtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/metrics"
)

// Watcher emits an event every time a single file is written or replaced.
//
// Events coalesce: the channel holds at most one pending event, and a change
// that arrives while one is pending is folded into it since the consumer
// always reads the newest file contents.
type Watcher struct {
	agency string
	path   string
	logger logger.Logger
	events chan struct{}
	ready  chan struct{}
}

// NewWatcher creates a watcher for path
func NewWatcher(agency, path string, log logger.Logger) *Watcher {
	return &Watcher{
		agency: agency,
		path:   path,
		logger: log,
		events: make(chan struct{}, 1),
		ready:  make(chan struct{}),
	}
}

// Events returns the channel change notifications are delivered on
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Ready is closed once the watch is registered; later writes produce events.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the parent directory of the file until ctx is cancelled.
// Watching the directory keeps working when writers replace the file by
// renaming a temporary file over it.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating watch directory %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	close(w.ready)
	w.logger.Debug("Watching for updates", "agency", w.agency, "file", w.path)

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher for %s closed", w.path)
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.notify()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher for %s closed", w.path)
			}
			w.logger.Warn("File watcher error", "agency", w.agency, "file", w.path, "error", err)
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
		metrics.RealTimeEventsDropped.WithLabelValues(w.agency).Inc()
	}
}
