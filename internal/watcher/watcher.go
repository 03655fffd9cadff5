// Package watcher reports saves of individual source files.
package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 300 * time.Millisecond

// ChangeCallback is called once per debounced burst of changes to path.
type ChangeCallback func(path string)

// Watcher monitors source files for saves.
type Watcher struct {
	mu       sync.Mutex
	watches  map[string]*fileWatch // absolute path → watch
	debounce time.Duration
	callback ChangeCallback
	logger   *zerolog.Logger
}

type fileWatch struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a new file watcher. A non-positive debounce uses DefaultDebounce.
func New(debounce time.Duration, callback ChangeCallback, logger *zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Watcher{
		watches:  make(map[string]*fileWatch),
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching path. Editors often replace a file on save, so the
// parent directory is watched and events are filtered by name.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watches[abs]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatch{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.watches[abs] = fw

	go w.watchLoop(fw)
	return nil
}

// Unwatch stops watching path and waits for its event loop to exit.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watches[abs]
	if ok {
		delete(w.watches, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
		<-fw.done
	}
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watches))
	for p := range w.watches {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatch) {
	defer close(fw.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-fw.cancel:
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-fw.cancel:
					return
				default:
				}
				if w.callback != nil {
					w.callback(fw.path)
				}
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("path", fw.path).Msg("watcher error")
		}
	}
}
