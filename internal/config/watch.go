package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/vmdebug/internal/debug"
	"github.com/dshills/vmdebug/internal/logging"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for reload failures.
func WithWatchLogger(l *logging.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// Watcher reloads a configuration file when it changes. The directory is
// watched rather than the file so that editors replacing the file by rename
// are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *logging.Logger
	onChange func(Config)

	fsw       *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path and calls onChange with every configuration
// that loads and validates. Invalid edits are logged and skipped. Watching
// stops when ctx is done or Close is called.
func Watch(ctx context.Context, path string, onChange func(Config), opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		log:      logging.Discard(),
		onChange: onChange,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithComponent("config").WithField("path", abs)
	go w.loop(ctx)
	return w, nil
}

// WatchStepFilters applies step filter changes in path to t as they are
// saved.
func WatchStepFilters(ctx context.Context, path string, t *debug.Target, opts ...WatchOption) (*Watcher, error) {
	probe := &Watcher{log: logging.Discard()}
	for _, opt := range opts {
		opt(probe)
	}
	log := probe.log.WithComponent("config")
	return Watch(ctx, path, func(cfg Config) {
		if err := t.SetStepFilters(cfg.DebugStepFilters()); err != nil {
			log.WithError(err).Warn("applying step filters")
		}
	}, opts...)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.closeWatcher()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("reload failed; keeping previous configuration")
		return
	}
	w.log.Info("configuration reloaded")
	w.onChange(cfg)
}

func (w *Watcher) closeWatcher() {
	w.closeOnce.Do(func() {
		if err := w.fsw.Close(); err != nil {
			w.log.WithError(err).Debug("closing watcher")
		}
	})
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	w.closeWatcher()
	<-w.done
	return nil
}

// Done is closed when the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
