package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the rules file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *RulesConfig
	onChange []func(*RulesConfig)
}

// NewLoader creates a Loader and performs the initial load. The initial
// load is validated; an invalid file is an error.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the latest valid configuration.
func (l *Loader) Config() *RulesConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(*RulesConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the rules when the file changes. The parent directory
// is watched so editors that replace the file atomically are picked up.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("rules reload skipped", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("rules watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload re-reads the rules file. An invalid file leaves the current
// configuration in place.
func (l *Loader) Reload() (*RulesConfig, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*RulesConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*RulesConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a rules document.
func Parse(data []byte) (*RulesConfig, error) {
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in rules used when no file is configured.
func Default() *RulesConfig {
	cfg, err := Parse([]byte(DefaultRules))
	if err != nil {
		panic(fmt.Sprintf("config: built-in rules invalid: %v", err))
	}
	return cfg
}

// DefaultRules are the field-sales categories shipped with the service.
const DefaultRules = `version: v1
feed:
  window: 5m
  page_size: 10
categories:
  - id: clients
    label: Clients
    target_types: [client]
  - id: tasks
    label: Tasks
    target_types: [task]
  - id: orders
    label: Orders
    target_types: [client_order, order]
  - id: inventory
    label: Inventory
    target_types: [inventory, stock]
    match: 'action contains "stock" OR target_type == "inventory"'
  - id: approvals
    label: Approvals
    actions: [approve, reject]
  - id: agents
    label: Agents
    target_types: [sales_agent, agent, team]
`
