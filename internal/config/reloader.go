package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source supplies configuration to the reloader. The file source below is the
// production implementation; tests may supply their own.
type Source interface {
	Load() (Config, error)
	// Watch invokes notify whenever the source may have changed, until ctx
	// is cancelled. Implementations that cannot watch return nil immediately.
	Watch(ctx context.Context, notify func()) error
}

// FileSource loads from a YAML file and watches its directory. Watching the
// directory rather than the file survives editors that replace-on-save.
type FileSource struct {
	Path string
}

func (s FileSource) Load() (Config, error) { return Load(s.Path) }

func (s FileSource) Watch(ctx context.Context, notify func()) error {
	if s.Path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.Path, err)
	}

	target := filepath.Clean(s.Path)
	// Editors emit bursts of events per save; debounce into one reload.
	var pending *time.Timer
	var mu sync.Mutex
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, notify)
			mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// Reloader validates and publishes configuration snapshots. Readers call
// Current on each cycle; in-flight probes keep the snapshot they started
// with.
type Reloader struct {
	source  Source
	current atomic.Pointer[Config]
	logger  *zap.Logger

	mu        sync.Mutex
	listeners []func(Config)
}

// NewReloader loads and validates the initial configuration. A validation
// failure at startup is fatal to the caller.
func NewReloader(source Source, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{source: source, logger: logger}

	cfg, err := source.Load()
	if err != nil {
		return nil, err
	}
	report := Validate(cfg)
	for _, w := range report.Warnings {
		logger.Warn("config warning", zap.String("warning", w))
	}
	if !report.Valid() {
		return nil, report
	}
	r.current.Store(&cfg)
	return r, nil
}

// Current returns the active configuration snapshot.
func (r *Reloader) Current() Config { return *r.current.Load() }

// OnReload registers a callback invoked with each newly applied snapshot.
func (r *Reloader) OnReload(fn func(Config)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload re-reads the source, validates, and — only if valid — swaps the
// published snapshot. The running config is untouched on failure. A config
// identical to the current one is not re-published.
func (r *Reloader) Reload() (ValidationReport, error) {
	cfg, err := r.source.Load()
	if err != nil {
		return ValidationReport{}, err
	}
	report := Validate(cfg)
	if !report.Valid() {
		return report, report
	}

	if reflect.DeepEqual(cfg, r.Current()) {
		return report, nil
	}
	r.current.Store(&cfg)

	r.mu.Lock()
	listeners := make([]func(Config), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}

	r.logger.Info("configuration reloaded",
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("connections", len(cfg.Connections)),
		zap.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

// Run watches the source and applies reloads until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	err := r.source.Watch(ctx, func() {
		if report, err := r.Reload(); err != nil {
			r.logger.Warn("config reload rejected",
				zap.Error(err),
				zap.Strings("errors", report.Errors),
			)
		}
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("config watch stopped", zap.Error(err))
	}
}
