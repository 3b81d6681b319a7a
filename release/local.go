package release

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/wolfeidau/sidecar/stream"
	"github.com/wolfeidau/sidecar/telemetry"
)

// LocalWatcher emits the zero Update for every debounced batch of
// filesystem changes under a local project directory.
type LocalWatcher struct {
	root    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	deb        *debouncer
	updates    *stream.Queue[Update]
	destroying atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// NewLocalWatcher watches root and every directory below it.
func NewLocalWatcher(root string, opts ...Option) (*LocalWatcher, error) {
	o := newOptions(opts)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &LocalWatcher{
		root:    root,
		logger:  o.logger.With("component", "release", "root", root),
		watcher: watcher,
		updates: stream.NewQueue[Update](),
		done:    make(chan struct{}),
	}
	w.deb = newDebouncer(o.clock, o.debounce, w.emit)

	if err := w.addRecursive(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Next returns the next change notification.
func (w *LocalWatcher) Next(ctx context.Context) (Update, error) {
	return w.updates.Next(ctx)
}

// Close stops watching. A pending notification is dropped.
func (w *LocalWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.destroying.Store(true)
		w.deb.stop()
		close(w.done)
		w.closeErr = w.watcher.Close()
		w.wg.Wait()
		w.updates.Close()
	})
	return w.closeErr
}

func (w *LocalWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watching %s: %w", root, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *LocalWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Debug("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			w.deb.trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("file watcher error", "error", err)
		}
	}
}

func (w *LocalWatcher) emit() {
	if w.destroying.Load() {
		return
	}
	w.updates.Push(Update{})
	telemetry.RecordReleaseUpdate(context.Background(), "local")
}
