// Package watch re-submits a stack for alignment whenever its manifest or
// one of its layer files changes on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stackalign/internal/stack"
)

// DefaultDebounce is how long a burst of writes must be quiet before the
// stack is re-submitted.
const DefaultDebounce = 500 * time.Millisecond

// SubmitFunc is called with the manifest path after every settled burst of
// changes.
type SubmitFunc func(manifest string) error

// Watcher monitors a manifest and the files it references.
type Watcher struct {
	fs       *fsnotify.Watcher
	manifest string
	debounce time.Duration
	submit   SubmitFunc
	log      *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]struct{}
}

// New starts watching manifest. The watches are in place when New returns;
// events are only acted on once Run is called.
func New(manifest string, debounce time.Duration, submit SubmitFunc, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(manifest)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fsw,
		manifest: abs,
		debounce: debounce,
		submit:   submit,
		log:      log,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}
	if err := w.refresh(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Files returns the watched file paths.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// refresh reloads the manifest and watches the directories of every file it
// names. Directories are watched rather than files so that editors which
// save by rename are still seen.
func (w *Watcher) refresh() error {
	m, err := stack.LoadManifest(w.manifest)
	if err != nil {
		return err
	}
	files := map[string]struct{}{w.manifest: {}}
	for _, l := range m.Layers {
		p, err := filepath.Abs(m.ResolvePath(l.Path))
		if err != nil {
			return err
		}
		files[p] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for f := range files {
		dir := filepath.Dir(f)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
		w.log.Debug("watching directory", "dir", dir)
	}
	w.files = files
	return nil
}

func (w *Watcher) relevant(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[abs]
	return ok
}

// Run dispatches changes until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed = make(map[string]fsnotify.Op)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			// Skip chmod-only events
			if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
				continue
			}
			w.log.Debug("file changed", "path", ev.Name, "op", ev.Op.String())
			changed[ev.Name] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		case <-fire:
			fire = nil
			w.flush(changed)
			clear(changed)
		}
	}
}

func (w *Watcher) flush(changed map[string]fsnotify.Op) {
	for path := range changed {
		if p, err := filepath.Abs(path); err == nil && p == w.manifest {
			if err := w.refresh(); err != nil {
				w.log.Warn("manifest not reloaded", "manifest", w.manifest, "error", err)
				return
			}
			break
		}
	}
	w.log.Info("stack changed", "manifest", w.manifest, "files", len(changed))
	if err := w.submit(w.manifest); err != nil {
		w.log.Warn("resubmit failed", "manifest", w.manifest, "error", err)
	}
}
