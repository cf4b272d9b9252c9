package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager holds the live configuration and hot-reloads it when the config
// file changes on disk. Thresholds tuned at runtime take effect on the next
// orchestrator run; in-flight runs keep the snapshot they started with.
type Manager struct {
	mu       sync.RWMutex
	path     string
	current  *Config
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	done     chan struct{}
}

// NewManager loads the initial configuration and starts watching path.
// A missing file is tolerated; defaults apply until the file appears.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:    path,
		current: cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	m.watcher = w
	// Watch the file directly; editors that replace the file emit Create.
	if err := w.Add(path); err != nil {
		logger.Warn("Config file not watchable, hot reload disabled",
			zap.String("path", path), zap.Error(err))
	}
	go m.loop()
	return m, nil
}

// Current returns the active configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Close stops the watcher.
func (m *Manager) Close() error {
	close(m.done)
	return m.watcher.Close()
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFile(m.path)
	if err != nil {
		// Keep the last good config on a bad edit.
		m.logger.Warn("Config reload failed, keeping previous configuration",
			zap.String("path", m.path), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	callbacks := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
