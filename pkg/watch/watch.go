// Package watch turns filesystem activity around the descriptor and the
// payload artifacts into orchestrator nudges. Polling stays the source of
// truth; a missed event only costs one poll interval.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/xam-io/kioskd/pkg/errors"
)

// Watcher coalesces bursts of events into a single call to nudge.
type Watcher struct {
	fs       *fsnotify.Watcher
	clk      clock.Clock
	debounce time.Duration
	nudge    func()

	mu      sync.Mutex
	filters map[string]map[string]bool // dir -> base names; "" matches every entry
	timer   clock.Timer
}

// New creates a Watcher. With debounce <= 0 every relevant event nudges
// immediately.
func New(clk clock.Clock, debounce time.Duration, nudge func()) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Watcher{
		fs:       fs,
		clk:      clk,
		debounce: debounce,
		nudge:    nudge,
		filters:  make(map[string]map[string]bool),
	}, nil
}

// AddFile watches a single file through its parent directory, so the file
// may be created later.
func (w *Watcher) AddFile(path string) error {
	return w.add(filepath.Dir(path), filepath.Base(path))
}

// AddDir watches every entry of dir.
func (w *Watcher) AddDir(dir string) error {
	return w.add(dir, "")
}

func (w *Watcher) add(dir, name string) error {
	dir = filepath.Clean(dir)
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "cannot watch %s", dir)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	names, seen := w.filters[dir]
	if !seen {
		if err := w.fs.Add(dir); err != nil {
			return errors.Wrapf(err, "failed to watch %s", dir)
		}
		names = make(map[string]bool)
		w.filters[dir] = names
	}
	names[name] = true
	slog.Info("watch_added", "dir", dir, "name", name)
	return nil
}

// Run delivers events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", "error", err)
		}
	}
}

// Close stops the underlying watcher and any pending nudge.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !w.relevant(ev.Name) {
		return
	}
	slog.Debug("watch_event", "path", ev.Name, "op", ev.Op.String())
	w.schedule()
}

func (w *Watcher) relevant(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	names, ok := w.filters[filepath.Dir(path)]
	if !ok {
		return false
	}
	return names[""] || names[filepath.Base(path)]
}

func (w *Watcher) schedule() {
	if w.debounce <= 0 {
		w.nudge()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.timer = w.clk.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.nudge()
	})
}
