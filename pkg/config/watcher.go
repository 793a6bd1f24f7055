package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher reports writes to watched files. It watches the parent directory
// so editors that replace files through rename are still observed.
type Watcher struct {
	fs        *fsnotify.Watcher
	mu        sync.RWMutex
	files     map[string]struct{}
	callbacks []func()
	log       logger.Logger
	startOnce sync.Once
	closeOnce sync.Once
}

func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{fs: fsw, files: make(map[string]struct{})}, nil
}

func (w *Watcher) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.mu.Lock()
	w.files[abs] = struct{}{}
	w.log = logger.FromContext(ctx)
	w.mu.Unlock()
	w.startOnce.Do(func() { go w.loop(ctx) })
	return nil
}

func (w *Watcher) OnChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.RLock()
			_, watched := w.files[ev.Name]
			callbacks := slices.Clone(w.callbacks)
			w.mu.RUnlock()
			if !watched {
				continue
			}
			for _, fn := range callbacks {
				fn()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.mu.RLock()
			log := w.log
			w.mu.RUnlock()
			if log != nil {
				log.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if cerr := w.fs.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}
