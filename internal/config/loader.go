package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader merges compiled-in defaults, an optional YAML file, and a secret
// store into a finalized Config, and optionally republishes a new snapshot
// whenever the source file changes on disk.
type Loader struct {
	path    string
	store   SecretStore
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	listeners []func(*Config)
}

// NewLoader constructs a Loader. path may be empty, in which case only
// defaults (and secrets) are applied.
func NewLoader(path string, store SecretStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{path: path, store: store, logger: logger}
}

// Load reads, merges, and validates the configuration. This is the only
// entry point that can return a ConfigurationError.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &ConfigurationError{Reason: "reading config file", Cause: err}
			}
		} else if err := mergeYAML(cfg, data); err != nil {
			return nil, &ConfigurationError{Reason: "parsing config file", Cause: err}
		}
	}

	if err := resolveSecrets(cfg, l.store); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	l.current.Store(cfg)
	return cfg, nil
}

// Current returns the most recently loaded configuration snapshot, or nil
// if Load has not been called yet.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// mergeYAML decodes file contents on top of an existing Config value. Fields
// absent from the document keep their defaults, because yaml.Unmarshal only
// overwrites fields explicitly present; a field present in the file
// replaces the default even when its value is zero.
func mergeYAML(cfg *Config, data []byte) error {
	return yaml.Unmarshal(data, cfg)
}

// Watch starts an fsnotify watch on the config file and invokes onChange
// with a freshly loaded Config every time the file is rewritten. This is
// additive convenience (SPEC_FULL.md §A.2); callers that don't need
// hot-reload simply never call Watch.
func (l *Loader) Watch(onChange func(*Config)) error {
	if l.path == "" {
		return fmt.Errorf("cannot watch: loader has no config path")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.listeners = append(l.listeners, onChange)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	l.watcher = watcher
	l.listeners = append(l.listeners, onChange)

	go l.watchLoop(watcher)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := l.Load()
			if err != nil {
				l.logger.Error("config reload failed", "error", err)
				continue
			}
			l.mu.Lock()
			listeners := append([]func(*Config){}, l.listeners...)
			l.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the file watcher, if one was started.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
