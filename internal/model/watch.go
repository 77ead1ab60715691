package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever the store's current pointer (or the flat
// labels/checkpoint pair) is replaced. It returns once the watcher is set up;
// watching stops when ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if err := os.MkdirAll(r.store.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.store.Dir(), err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.store.Dir()); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !triggersReload(event) {
					continue
				}
				// a save touches several files; reload once they settle
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := r.Load(); err != nil {
						r.logger.Warnf("reload after %s failed: %v", event.Name, err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Errorf("model watcher: %v", err)
			}
		}
	}()
	return nil
}

func triggersReload(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Base(event.Name) {
	case CurrentFile, CheckpointFile, LabelsFile:
		return true
	}
	return false
}
