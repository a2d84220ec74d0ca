package fsmon

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher subscribes to filesystem change notifications for log
// directories and invokes a per-directory callback with the changed
// file's path. Only eligible files trigger callbacks. New subdirectories
// created under a watched directory are watched recursively with the
// parent's callback, which covers tools that create date buckets or new
// project directories while the observer is running.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu        sync.Mutex
	callbacks map[string]func(path string)
	closed    bool
}

func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:       fsw,
		logger:    logger,
		callbacks: make(map[string]func(string)),
	}
	go w.run()
	return w, nil
}

// WatchDir subscribes dir (and, as they appear, its new subdirectories)
// to change notifications. Watching the same directory twice is a no-op.
func (w *Watcher) WatchDir(dir string, onChange func(path string)) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if _, ok := w.callbacks[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.callbacks[dir] = onChange
	w.logger.Debug("watching directory", zap.String("dir", dir))
	return nil
}

// Watched reports whether dir already has a subscription.
func (w *Watcher) Watched(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.callbacks[filepath.Clean(dir)]
	return ok
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	dir := filepath.Dir(ev.Name)
	w.mu.Lock()
	cb := w.callbacks[dir]
	w.mu.Unlock()
	if cb == nil {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return // deleted between event and stat
	}

	if info.IsDir() {
		// A tool created a new subdirectory mid-watch; inherit the
		// parent's callback.
		if err := w.WatchDir(ev.Name, cb); err != nil {
			w.logger.Warn("watch subdirectory", zap.String("dir", ev.Name), zap.Error(err))
		}
		return
	}

	if !Eligible(filepath.Base(ev.Name)) {
		return
	}
	cb(ev.Name)
}
