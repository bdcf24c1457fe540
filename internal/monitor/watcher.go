package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher invalidates tracker keys as soon as the filesystem reports a change,
// so edits are picked up before the throttle interval expires.
type Watcher struct {
	tracker *Tracker
	fsw     *fsnotify.Watcher
}

// NewWatcher watches the tracker root and all directories below it.
func NewWatcher(tr *Tracker) (*Watcher, error) {
	if tr.Root() == "" {
		return nil, errors.New("monitor: watcher needs a document root")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("monitor: create watcher: %w", err)
	}

	w := &Watcher{tracker: tr, fsw: fsw}
	if err := w.addTree(tr.Root()); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run dispatches events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("event", "watch_error").Msg("file watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				log.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}

	key := w.tracker.Key(ev.Name)
	w.tracker.Invalidate(key)
	log.Debug().
		Str("event", "script_invalidated").
		Str("script", key).
		Str("op", ev.Op.String()).
		Msg("script change detected")
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("monitor: watch %s: %w", path, err)
		}
		return nil
	})
}
