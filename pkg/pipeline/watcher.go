package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/agentgate/internal/observability"
	"github.com/rs/zerolog/log"
)

const DefaultDebounce = 200 * time.Millisecond

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Path     string // definition file or directory
	Registry *Registry
	Debounce time.Duration
	// OnReload is called after every reload attempt
	OnReload func(count int, err error)
}

// Watcher reloads the registry when definition files change. A failed
// reload leaves the previous definitions in place.
type Watcher struct {
	cfg      WatcherConfig
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pipeline path is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.cfg.Path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Path, err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.cfg.Path).Msg("Pipeline watcher started")
	return nil
}

// Stop stops watching
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

	log.Info().Msg("Pipeline watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !Supported(event.Name) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Pipeline watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of events into one reload
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.Reload()
		}
	})
}

// Reload loads the definitions now and swaps them into the registry
func (w *Watcher) Reload() (int, error) {
	defs, err := Load(w.cfg.Path)
	if err == nil {
		err = w.cfg.Registry.Replace(defs)
	}
	observability.RecordPipelineReload(err == nil)

	if err != nil {
		log.Error().Err(err).Str("path", w.cfg.Path).Msg("Pipeline reload failed, keeping previous definitions")
	} else {
		log.Info().Int("pipelines", len(defs)).Msg("Pipelines reloaded")
	}

	if w.cfg.OnReload != nil {
		w.cfg.OnReload(len(defs), err)
	}
	return len(defs), err
}
