package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"deskmind/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the freshly loaded config after a change settles.
type ReloadFunc func(*Config)

// Watcher watches .deskmind/config.yaml for changes and reloads it.
// Edits are debounced so editor save sequences (write + rename) trigger
// a single reload.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	workspace   string
	configPath  string
	onReload    ReloadFunc
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	EventsSeen    int
	Reloads       int
	Errors        int
	LastEventTime time.Time
}

// NewWatcher creates a config watcher for the given workspace.
func NewWatcher(workspace string, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		workspace:   workspace,
		configPath:  ConfigPath(workspace),
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the config directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files by rename.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Config("config watcher: watching %s", dir)
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("config watcher: error closing watcher: %v", err)
	}
	logging.Config("config watcher: stopped")
}

// Stats returns a copy of the watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Config("config watcher: context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Error("config watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent records a config-file event for debounced processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(w.configPath)) {
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // Ignore chmod, remove, etc.
	}

	logging.ConfigDebug("config watcher: %s event for %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.EventsSeen++
	w.stats.LastEventTime = time.Now()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads once events have settled past the debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if !settled {
		return
	}

	w.reload()
}

// reload re-reads the config file and notifies the logging system and callback.
func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("config watcher: reload failed: %v", err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	if err := logging.ReloadConfig(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher: logging reload failed: %v", err)
	}

	w.mu.Lock()
	w.stats.Reloads++
	cb := w.onReload
	w.mu.Unlock()

	logging.Config("config watcher: reloaded %s", w.configPath)

	if cb != nil {
		cb(cfg)
	}
}
