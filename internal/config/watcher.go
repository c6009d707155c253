package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 100 * time.Millisecond

// HotSettings are the parts of Config applied without a restart.
type HotSettings struct {
	LogLevel       string
	DefaultTimeout time.Duration
}

// Watcher reloads the config file when it changes and hands the hot settings
// to onChange. Flags set on the command line keep their value.
type Watcher struct {
	path     string
	base     Config
	changed  map[string]bool
	onChange func(HotSettings)
	log      zerolog.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher watches path. base is the startup configuration before the file was applied.
func NewWatcher(path string, base Config, changed map[string]bool, onChange func(HotSettings), log zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		base:     base,
		changed:  changed,
		onChange: onChange,
		log:      log.With().Str("component", "config").Str("path", path).Logger(),
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// editors replace the file, so the directory is watched
	if err = watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	hot, err := w.load()
	if err != nil {
		w.log.Warn().Err(err).Msg("could not reload config, keeping previous settings")
		return
	}
	w.log.Info().Str("log_level", hot.LogLevel).Dur("default_timeout", hot.DefaultTimeout).Msg("config reloaded")
	w.onChange(hot)
}

func (w *Watcher) load() (HotSettings, error) {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		return HotSettings{}, err
	}
	cfg := w.base
	if err = ApplyFileConfig(&cfg, fc, w.changed); err != nil {
		return HotSettings{}, err
	}
	if err = ApplyEnvConfig(&cfg, w.changed); err != nil {
		return HotSettings{}, err
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = w.base.DefaultTimeout
	}
	return HotSettings{LogLevel: cfg.LogLevel, DefaultTimeout: cfg.DefaultTimeout}, nil
}
