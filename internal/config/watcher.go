package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in effect.
var ErrUnchanged = errors.New("config: file unchanged")

// Update is passed to the reload callback after a changed file validates.
type Update struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher keeps the config file at path in sync with the running process.
// Reloads come from [Watcher.Run] polling the file's mtime, or from an
// explicit [Watcher.Reload] (SIGHUP). A file that fails to parse or validate
// is logged and the previous config stays in effect. Calls already in
// progress keep the snapshot they started with.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger
	onUpdate func(Update)

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
	modTime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often [Watcher.Run] stats the file. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload outcomes.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// OnUpdate registers fn to run after every successful reload. fn runs on
// the reloading goroutine, outside the watcher's lock.
func OnUpdate(fn func(Update)) WatcherOption {
	return func(w *Watcher) { w.onUpdate = fn }
}

// NewWatcher loads path once and returns a watcher holding it. Nothing is
// polled until [Watcher.Run] is called.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest, w.modTime = snap.cfg, snap.digest, snap.modTime
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !w.modified() {
				continue
			}
			if _, err := w.Reload(); err != nil && !errors.Is(err, ErrUnchanged) {
				w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now. It returns the applied update, [ErrUnchanged]
// when the content is identical, or the load error.
func (w *Watcher) Reload() (Update, error) {
	snap, err := w.read()
	if err != nil {
		return Update{}, err
	}

	w.mu.Lock()
	w.modTime = snap.modTime
	if bytes.Equal(snap.digest[:], w.digest[:]) {
		w.mu.Unlock()
		return Update{}, ErrUnchanged
	}
	u := Update{Old: w.current, New: snap.cfg, Diff: Diff(w.current, snap.cfg)}
	w.current, w.digest = snap.cfg, snap.digest
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path,
		"changed", u.Diff.Changed(), "restart_required", u.Diff.RestartRequired)
	if w.onUpdate != nil {
		w.onUpdate(u)
	}
	return u, nil
}

func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config file not readable", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.modTime)
}

type snapshot struct {
	cfg     *Config
	digest  [sha256.Size]byte
	modTime time.Time
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
	cfg, err := parse(data)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, digest: sha256.Sum256(data), modTime: info.ModTime()}, nil
}
