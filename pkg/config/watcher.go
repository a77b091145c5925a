package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits after the last change
// before reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives every configuration that loads and validates after a
// change on disk. Files that fail to load are logged and skipped.
type ReloadFunc func(*Config) error

// Watcher reloads a config file when it changes.
type Watcher struct {
	path   string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	reloads int
}

// NewWatcher creates a watcher for path. A zero delay uses DefaultReloadDelay.
func NewWatcher(path string, delay time.Duration, logger zerolog.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	return &Watcher{
		path:   filepath.Clean(path),
		delay:  delay,
		logger: logger.With().Str("component", "config_watcher").Str("path", path).Logger(),
	}
}

// Watch starts watching in the background until ctx is done. The parent
// directory is watched so editors that replace the file by rename are seen.
func (w *Watcher) Watch(ctx context.Context, reloadFn ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw, reloadFn)

	w.logger.Info().Dur("delay", w.delay).Msg("Started watching config")
	return nil
}

// Reloads returns how many reloads were delivered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, reloadFn ReloadFunc) {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = fw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Config file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() {
				if ctx.Err() != nil {
					return
				}
				w.reload(reloadFn)
			})
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn ReloadFunc) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}
	if err := reloadFn(cfg); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply config")
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info().Msg("Config reloaded")
}
