package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Config)

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// Watch starts watching path. onChange receives every successfully loaded
// configuration; files that fail to load are logged and skipped.
func Watch(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	// Watch the directory: editors commonly replace the file instead of writing it.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{
		path:     absPath,
		watcher:  fsw,
		debounce: debounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
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
			logger.Debug("Config file event %s on %s", event.Op, event.Name)
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	cfg, err := LoadConfig(w.path)
	if err != nil {
		logger.Error("Failed to reload config %s: %v", w.path, err)
		return
	}
	logger.Info("Reloaded config %s", w.path)
	w.onChange(cfg)
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
