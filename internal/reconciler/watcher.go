package reconciler

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"compass/pkg/logging"
)

// debounceWindow coalesces bursts of filesystem events (editors write
// several events per save) into one sync.
const debounceWindow = 2 * time.Second

// Watcher re-runs internal sync when a watched path changes.
type Watcher struct {
	pipeline *Pipeline
	paths    []string
}

// NewWatcher creates a watcher over the given directories.
func NewWatcher(p *Pipeline, paths []string) *Watcher {
	return &Watcher{pipeline: p, paths: paths}
}

// Run watches until the context is cancelled. Paths that cannot be watched
// are skipped with a warning; an empty effective set returns immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.paths) == 0 {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	watched := 0
	for _, path := range w.paths {
		if err := fw.Add(path); err != nil {
			logging.Warn("Reconciler", "Cannot watch %s: %v", path, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		logging.Warn("Reconciler", "No watchable discovery paths, watcher exiting")
		return nil
	}
	logging.Info("Reconciler", "Watching %d paths for changes", watched)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(debounceWindow)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Reconciler", "Watch error: %v", err)
		case <-fire:
			timer = nil
			fire = nil
			if _, err := w.pipeline.SyncInternal(ctx); err != nil {
				logging.Error("Reconciler", err, "Change-triggered sync failed")
			}
		}
	}
}
