package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 400 * time.Millisecond

// Reloader watches the config file and invokes a callback with the freshly
// parsed config on every change. Editors often replace files instead of
// writing in place, so the containing directory is watched and events are
// filtered by file name.
type Reloader struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewReloader creates a reloader for the config file at path.
func NewReloader(path string, onReload func(*Config), logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		path:     path,
		onReload: onReload,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		r.mu.Unlock()
		return err
	}
	r.watcher = watcher
	r.started = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

func (r *Reloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (r *Reloader) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDebounce, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.logger.Warn("config reload failed; keeping previous config", zap.Error(err))
		return
	}
	r.logger.Info("config reloaded", zap.String("path", r.path))
	r.onReload(cfg)
}

// Stop terminates the watch.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
		r.mu.Unlock()
	})
}
