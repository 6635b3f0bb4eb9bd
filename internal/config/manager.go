package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts that editors and atomic-rename
// writers produce into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Manager owns the live configuration. Readers always see a complete,
// validated config via an atomic pointer; a reload that fails to parse or
// validate leaves the running config untouched.
type Manager struct {
	current  atomic.Pointer[Config]
	reloads  atomic.Int64
	path     string
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewManager loads the config at path and returns a manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reloads reports how many reloads have been applied since startup.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// OnChange registers a callback invoked after each applied reload.
// Register before calling Watch; registration is not synchronized.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Reload re-reads the file and swaps the new config in. A file that fails
// to load or validate is rejected and the current config stays live.
func (m *Manager) Reload() error {
	next, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping current",
			"path", m.path, "error", err)
		return err
	}
	m.current.Store(next)
	n := m.reloads.Add(1)
	m.logger.Info("config reloaded", "path", m.path, "reloads", n)
	for _, fn := range m.onChange {
		fn(next)
	}
	return nil
}

// Watch follows the config file until ctx ends. The parent directory is
// watched rather than the file itself: editors and configmap mounts
// replace the file by rename, which would silently drop a direct watch.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go m.watchLoop(ctx, w)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	base := filepath.Base(m.path)
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			_ = m.Reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}
