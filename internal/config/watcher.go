package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is called with the freshly loaded config after the config
// file changes on disk.
type ReloadCallback func(cfg *Config)

// Watcher reloads the configuration when the config file changes. Only
// policy values read at call time (thresholds, timeouts) take effect on a
// running system; structural settings need a restart.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	onReload   ReloadCallback
	debounce   time.Duration
	done       chan struct{}
	timerMu    sync.Mutex
	debounceTm *time.Timer
	stopOnce   sync.Once
}

// NewWatcher creates a config file watcher
func NewWatcher(loader *Loader, onReload ReloadCallback) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		loader:   loader,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file
func (w *Watcher) Start() error {
	path := w.loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("no config path to watch")
	}

	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("path", path).
		Msg("Config watcher started")

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.debounceTm != nil {
		w.debounceTm.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces bursts of write events from editors that write
// the file more than once per save.
func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.debounceTm != nil {
		w.debounceTm.Stop()
	}

	w.debounceTm = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}

		cfg, err := w.loader.Load()
		if err != nil {
			log.Error().Err(err).Msg("Config reload failed")
			return
		}

		if errs := NewValidator().ValidateConfig(cfg); len(errs) > 0 {
			for _, e := range errs {
				log.Warn().Err(e).Msg("Config reload rejected")
			}
			return
		}

		log.Info().Msg("Config reloaded")
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
