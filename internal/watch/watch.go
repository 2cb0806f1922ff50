// Package watch rebuilds whenever files under a set of directories change.
//
// The loop runs the build, then blocks until something changes, then keeps
// draining change notifications until none has arrived for the debounce
// window, and builds again. Build failures are reported and the loop goes
// on; only a watcher failure or cancellation ends it.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vk/buildgrid/internal/ctxlog"
	"github.com/vk/buildgrid/internal/fsutil"
)

// ErrClosed is returned when the underlying watcher shuts down on its own.
var ErrClosed = errors.New("watcher closed")

// Watcher observes directory trees for changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	exclude  []string
}

// New watches every directory below each of dirs, except those below an
// excluded path. Build outputs belong in exclude; otherwise every build
// would trigger the next one.
func New(dirs []string, debounce time.Duration, exclude ...string) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("nothing to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{fsw: fsw, debounce: debounce}
	for _, e := range exclude {
		w.exclude = append(w.exclude, absClean(e))
	}
	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// WatchList returns the directories currently watched.
func (w *Watcher) WatchList() []string {
	list := w.fsw.WatchList()
	sort.Strings(list)
	return list
}

func (w *Watcher) addTree(root string) error {
	dirs, err := fsutil.Dirs(root, w.exclude...)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	for _, dir := range dirs {
		if w.excluded(dir) {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *Watcher) excluded(path string) bool {
	p := absClean(path)
	for _, e := range w.exclude {
		if p == e || strings.HasPrefix(p, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// relevant drops attribute-only changes and anything inside excluded paths.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	return !w.excluded(ev.Name)
}

// Next blocks until a change is seen, then drains further changes until the
// debounce window passes without one. It returns the changed paths, sorted
// and without duplicates.
func (w *Watcher) Next(ctx context.Context) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	changed := make(map[string]struct{})
	var quiet <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil, ErrClosed
			}
			if !w.relevant(ev) {
				continue
			}
			logger.Debug("fsnotify event.", "op", ev.Op.String(), "file", ev.Name)
			changed[ev.Name] = struct{}{}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						logger.Warn("Could not watch new directory.", "dir", ev.Name, "error", err)
					}
				}
			}
			quiet = time.After(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fsnotify: %w", err)

		case <-quiet:
			paths := make([]string, 0, len(changed))
			for p := range changed {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			return paths, nil
		}
	}
}

// Loop builds, waits for changes, and builds again until ctx is cancelled,
// which ends the loop with a nil error. A watcher failure ends it with that
// error. Errors returned by build are logged and do not stop the loop. The
// context handed to build logs with the round number attached.
func (w *Watcher) Loop(ctx context.Context, build func(context.Context) error) error {
	logger := ctxlog.FromContext(ctx)
	for round := 1; ; round++ {
		started := time.Now()
		if err := build(ctxlog.With(ctx, "round", round)); err != nil {
			logger.Error("Build failed.", "round", round, "error", err)
		} else {
			logger.Info("Build finished.", "round", round, "duration", time.Since(started).Round(time.Millisecond))
		}
		if ctx.Err() != nil {
			return nil
		}

		logger.Info("Watching for changes.")
		changed, err := w.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("Change detected, rebuilding.", "files", len(changed))
	}
}

func absClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
