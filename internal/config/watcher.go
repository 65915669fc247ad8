package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes. Each load goes
// through the same parsing, environment overrides and validation as [Load];
// an invalid file is logged and the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)

	// reloadMu serialises reloads so onChange sees configs in order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup replaces [os.LookupEnv] as the source of environment overrides.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path once and returns a Watcher holding that config.
// onChange, if non-nil, runs after every reload that changed the content.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
	}
	for _, o := range opts {
		o(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.modTime, w.sum = snap.cfg, snap.modTime, snap.sum
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. A file whose modification time is
// unchanged is not read.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.reload(false); err != nil {
				slog.Warn("config reload failed; keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now, regardless of its modification time. It
// returns the parse or validation error that kept the previous config.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.modTime)
		w.mu.Unlock()
		if same {
			return nil
		}
	}

	snap, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.current
	changed := snap.sum != w.sum
	w.modTime, w.sum = snap.modTime, snap.sum
	if changed {
		w.current = snap.cfg
	}
	w.mu.Unlock()

	if !changed {
		return nil
	}
	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return nil
}

type snapshot struct {
	cfg     *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := parse(data, w.lookup)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
