package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/observability"
)

// ReloadCallback is called with the freshly loaded config after the
// file on disk changes and passes validation.
type ReloadCallback func(cfg *Config)

// Watcher reloads the configuration when the file changes on disk.
// Editors replace files through rename, so the watch sits on the
// parent directory and filters by name.
type Watcher struct {
	watcher   *fsnotify.Watcher
	loader    *Loader
	onReload  ReloadCallback
	stability time.Duration
	logger    zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader   *Loader
	OnReload ReloadCallback
	// StabilityThreshold debounces rapid successive writes. Defaults
	// to 250ms.
	StabilityThreshold time.Duration
	Logger             zerolog.Logger
}

// NewWatcher creates a config file watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	stability := cfg.StabilityThreshold
	if stability == 0 {
		stability = 250 * time.Millisecond
	}

	return &Watcher{
		watcher:   fsWatcher,
		loader:    cfg.Loader,
		onReload:  cfg.OnReload,
		stability: stability,
		logger:    cfg.Logger.With().Str("component", "config_watcher").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Start starts watching the config file for changes
func (w *Watcher) Start() error {
	configPath := w.loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("config path is not resolvable")
	}

	if err := w.watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop(configPath)

	w.logger.Info().Str("path", configPath).Msg("config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounceReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stability, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("config reload failed")
		return
	}
	if errs := NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		// A half-written or invalid file must not replace a good one.
		w.logger.Warn().Int("errors", len(errs)).Msg("reloaded config is invalid, keeping current")
		return
	}

	w.logger.Info().Msg("config reloaded")
	observability.RecordConfigAudit(context.Background(), "reload:config", "watcher", map[string]interface{}{
		"path": w.loader.GetConfigPath(),
	})
	w.onReload(cfg)
}
