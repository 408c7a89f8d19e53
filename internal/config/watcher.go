package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds settings for the config file watcher.
type WatcherConfig struct {
	// Debounce duration to avoid multiple rapid reloads.
	DebounceDuration time.Duration
	// OnChange is called with a validated new configuration. Returning an
	// error keeps the old configuration active.
	OnChange func(newConfig *Config) error
	// OnError is called when a reload fails.
	OnError func(error)
}

// DefaultWatcherConfig returns the default watcher settings.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceDuration: 500 * time.Millisecond,
	}
}

// Watcher reloads the configuration when the file changes. An invalid file
// is rejected and the active configuration stays in place.
type Watcher struct {
	configPath string
	config     *WatcherConfig
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	mu         sync.Mutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
	debouncer  *time.Timer
}

// NewWatcher creates a configuration watcher.
func NewWatcher(configPath string, config *WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if config == nil {
		config = DefaultWatcherConfig()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		configPath: absPath,
		config:     config,
		watcher:    watcher,
		logger:     logger.With("component", "config-watcher"),
		stopCh:     make(chan struct{}),
	}

	if err := watcher.Add(absPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	// Watch the directory too: editors and config management tools often
	// replace the file atomically via rename.
	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch config directory", "dir", dir, "error", err)
	}

	return w, nil
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("configuration watcher started", "file", w.configPath)
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(fmt.Errorf("watcher error: %w", err))
			}

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
		w.scheduleReload()

	case event.Op&fsnotify.Create == fsnotify.Create:
		w.scheduleReload()

	case event.Op&fsnotify.Remove == fsnotify.Remove:
		w.logger.Warn("config file removed", "file", event.Name)
		w.watcher.Add(event.Name)

	case event.Op&fsnotify.Rename == fsnotify.Rename:
		w.watcher.Add(w.configPath)
		w.scheduleReload()
	}
}

// scheduleReload debounces reload requests.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debouncer != nil {
		w.debouncer.Stop()
	}

	w.debouncer = time.AfterFunc(w.config.DebounceDuration, func() {
		if err := w.reload(); err != nil {
			w.logger.Error("config reload failed, keeping active config", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(err)
			}
		}
	})
}

func (w *Watcher) reload() error {
	w.logger.Info("reloading configuration", "file", w.configPath)

	newConfig, err := NewLoader(w.configPath).Load()
	if err != nil {
		return err
	}

	if w.config.OnChange != nil {
		if err := w.config.OnChange(newConfig); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
	}

	w.logger.Info("configuration reloaded")
	return nil
}
