package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// cliFlagPaths maps CLI flag names onto configuration paths.
var cliFlagPaths = map[string]string{
	"log-level":                "runtime.log_level",
	"log-json":                 "runtime.log_json",
	"log-source":               "runtime.log_source",
	"check-interval":           "engine.condition_check_interval",
	"stabilization-window":     "engine.stabilization_window",
	"max-parallel-actions":     "engine.max_parallel_actions",
	"recovery-file":            "recovery.file",
	"db-conn-string":           "database.conn_string",
	"redis-addr":               "redis.addr",
	"nats-url":                 "nats.url",
	"nats-embedded":            "nats.embedded",
	"workflow-file":            "workflow.file",
	"metrics-addr":             "metrics.addr",
	"directory-cache-ttl":      "directory.cache_ttl",
	"action-request-timeout":   "nats.request_timeout",
	"recovery-debounce-wait":   "recovery.debounce_wait",
	"recovery-debounce-max":    "recovery.debounce_max_wait",
	"condition-check-interval": "engine.condition_check_interval",
}

// CLIFlagPath returns the configuration path bound to a flag name.
func CLIFlagPath(flag string) (string, bool) {
	path, ok := cliFlagPaths[flag]
	return path, ok
}

// envProvider marks the environment in the source list; koanf's env provider
// does the actual loading in the loader.
type envProvider struct{}

func NewEnvProvider() Source {
	return &envProvider{}
}

func (e *envProvider) Load() (map[string]any, error) {
	return map[string]any{}, nil
}

func (e *envProvider) Watch(_ context.Context, _ func()) error {
	return nil
}

func (e *envProvider) Type() SourceType {
	return SourceEnv
}

func (e *envProvider) Close() error {
	return nil
}

// cliProvider turns changed CLI flags into configuration values.
type cliProvider struct {
	flags map[string]any
}

func NewCLIProvider(flags map[string]any) Source {
	return &cliProvider{flags: flags}
}

func (c *cliProvider) Load() (map[string]any, error) {
	out := make(map[string]any)
	for key, value := range c.flags {
		path, ok := cliFlagPaths[key]
		if !ok {
			continue
		}
		if err := setNested(out, path, value); err != nil {
			return nil, fmt.Errorf("failed to set CLI flag %s: %w", key, err)
		}
	}
	return out, nil
}

func (c *cliProvider) Watch(_ context.Context, _ func()) error {
	return nil
}

func (c *cliProvider) Type() SourceType {
	return SourceCLI
}

func (c *cliProvider) Close() error {
	return nil
}

func setNested(m map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	current := m
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part]
		if !ok {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path conflict at %s", part)
		}
		current = child
	}
	return nil
}

// yamlProvider reads a YAML file and watches it for hot reload.
type yamlProvider struct {
	path      string
	watcher   *Watcher
	watcherMu sync.Mutex
	watchOnce sync.Once
	closeOnce sync.Once
}

func NewYAMLProvider(path string) Source {
	return &yamlProvider{path: path}
}

func (y *yamlProvider) Load() (map[string]any, error) {
	data, err := os.ReadFile(y.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read YAML file: %w", err)
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file: %w", err)
	}
	return filterNilValues(config), nil
}

// filterNilValues drops nil leaves so they cannot erase defaults.
func filterNilValues(m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if filtered := filterNilValues(nested); len(filtered) > 0 {
				result[k] = filtered
			}
			continue
		}
		result[k] = v
	}
	return result
}

func (y *yamlProvider) Watch(ctx context.Context, callback func()) error {
	var watchErr error
	y.watchOnce.Do(func() {
		y.watcherMu.Lock()
		defer y.watcherMu.Unlock()
		watcher, err := NewWatcher()
		if err != nil {
			watchErr = fmt.Errorf("failed to create watcher: %w", err)
			return
		}
		if err := watcher.Watch(ctx, y.path); err != nil {
			_ = watcher.Close()
			watchErr = fmt.Errorf("failed to watch YAML file: %w", err)
			return
		}
		y.watcher = watcher
	})
	if watchErr != nil {
		return watchErr
	}
	y.watcherMu.Lock()
	defer y.watcherMu.Unlock()
	if y.watcher != nil {
		y.watcher.OnChange(callback)
	}
	return nil
}

func (y *yamlProvider) Type() SourceType {
	return SourceYAML
}

func (y *yamlProvider) Close() error {
	var closeErr error
	y.closeOnce.Do(func() {
		y.watcherMu.Lock()
		defer y.watcherMu.Unlock()
		if y.watcher != nil {
			closeErr = y.watcher.Close()
			y.watcher = nil
		}
	})
	return closeErr
}

// defaultProvider re-applies the built-in defaults as an explicit source.
type defaultProvider struct{}

func NewDefaultProvider() Source {
	return &defaultProvider{}
}

func (d *defaultProvider) Load() (map[string]any, error) {
	return map[string]any{}, nil
}

func (d *defaultProvider) Watch(_ context.Context, _ func()) error {
	return nil
}

func (d *defaultProvider) Type() SourceType {
	return SourceDefault
}

func (d *defaultProvider) Close() error {
	return nil
}
