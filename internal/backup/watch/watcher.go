// Package watch re-triggers backups when files under the watched sources change.
package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// DefaultDebounce is how long the tree must stay quiet before a change fires.
const DefaultDebounce = 5 * time.Second

// Watcher watches directory trees and calls back once activity settles.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   hclog.Logger
	debounce time.Duration
	excluded []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExcluded ignores events at or below the given path, such as the
// backups directory or the log file the callback itself writes into.
func WithExcluded(path string) Option {
	return func(w *Watcher) {
		if path == "" {
			return
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}
		w.excluded = append(w.excluded, filepath.Clean(path))
	}
}

// New creates a watcher.
func New(logger hclog.Logger, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	w := &Watcher{
		watcher:  fw,
		logger:   logger,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Watcher) isExcluded(path string) bool {
	path = filepath.Clean(path)
	for _, dir := range w.excluded {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AddTree watches root and every directory below it. fsnotify is not
// recursive, so directories created later are added as they appear. A
// symlinked root is resolved first; links below it are not followed.
func (w *Watcher) AddTree(root string) error {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return w.addTree(root)
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory that vanished mid-walk is not worth failing for.
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.logger.Trace("watching directory", "path", path)
		return nil
	})
}

// Run blocks until ctx is done, calling onChange after each burst of events
// once no new event arrived for the debounce period.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	defer w.watcher.Close()

	// Timers created under go1.23+ semantics never deliver stale values
	// after Stop or Reset, so no draining is needed.
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.isExcluded(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				// New directories need their own watch.
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("could not watch new directory", "path", event.Name, "error", err)
				}
			}
			w.logger.Trace("change detected", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}
