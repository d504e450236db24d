package prompts

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher serves templates from a YAML file and reloads them when the file
// changes. A reload that fails to parse keeps the previous set.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Set]
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func Watch(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve prompt templates path: %w", err)
	}

	set, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create prompt watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are picked up.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch prompt templates: %w", err)
	}

	w := &Watcher{path: abs, logger: logger, watcher: fsw, done: make(chan struct{})}
	w.current.Store(set)

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	set, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("prompt templates reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(set)
	w.logger.Info("prompt templates reloaded", zap.String("path", w.path))
}

func (w *Watcher) Current() *Set {
	return w.current.Load()
}

func (w *Watcher) Render(name, topic, date string, params map[string]any) (string, error) {
	return w.Current().Render(name, topic, date, params)
}

func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
