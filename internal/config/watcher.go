package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is the polling period used when none is configured.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands every changed, valid revision to a
// callback together with the one it replaces. Upstream session settings
// picked up this way apply to sessions opened afterwards.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	lookup   func(string) (string, bool)

	// reloadMu serialises Reload so callbacks observe revisions in order.
	reloadMu sync.Mutex
	rev      atomic.Pointer[revision]
}

// revision is one accepted version of the file.
type revision struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookupEnv sets the environment lookup applied to every revision.
// The default is [os.LookupEnv].
func WithLookupEnv(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path once and returns a Watcher holding that revision.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		lookup:   os.LookupEnv,
	}
	for _, opt := range opts {
		opt(w)
	}

	rev, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.rev.Store(rev)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.rev.Load().cfg
}

// Run polls the file every interval until ctx is done. Load failures are
// logged and the previous revision stays active.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file once. It reports whether a new revision was
// accepted. A file whose mtime is unchanged is not read; a file that was
// touched without a content change only refreshes the stored mtime.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	prev := w.rev.Load()
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	if info.ModTime().Equal(prev.mtime) {
		return false, nil
	}

	next, err := w.read()
	if err != nil {
		return false, err
	}
	if next.sum == prev.sum {
		w.rev.Store(&revision{cfg: prev.cfg, sum: prev.sum, mtime: next.mtime})
		return false, nil
	}
	w.rev.Store(next)

	d := Diff(prev.cfg, next.cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"session_fields", d.SessionChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes need a restart", "fields", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return true, nil
}

// read loads, validates and hashes the file. An invalid file yields an
// error and no revision.
func (w *Watcher) read() (*revision, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", w.path, err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", w.path, err)
	}
	ApplyEnv(cfg, w.lookup)
	return &revision{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
