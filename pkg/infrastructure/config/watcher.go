package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
)

// ReloadFunc receives the freshly loaded configuration on file change.
type ReloadFunc func(*Config)

// Watcher re-reads the config file whenever it changes on disk and invokes
// the registered callback with the parsed result. Invalid intermediate
// states (editors writing partial files) are logged and skipped.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onReload ReloadFunc, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file: editors replace files by
	// rename, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("config-watcher")
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		onReload: onReload,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	go w.eventLoop()

	return w, nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("config watcher error: %v", err)
		}
	}
}

// scheduleReload debounces bursts of write events into a single reload.
func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Errorf("config reload skipped: %v", err)
		return
	}

	w.logger.Info("configuration reloaded", map[string]interface{}{"path": w.path})
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
