package config

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/romdo/go-debounce"
)

// Manager holds the live configuration and reloads it when a source changes.
type Manager struct {
	Service Service

	current   atomic.Pointer[Config]
	sources   []Source
	listeners []func(*Config)
	mu        sync.Mutex
	reloadMu  sync.Mutex

	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	closeOnce   sync.Once
	debounce    time.Duration
}

func NewManager(service Service) *Manager {
	if service == nil {
		service = NewService()
	}
	return &Manager{Service: service, debounce: 100 * time.Millisecond}
}

// SetDebounce must be called before Load.
func (m *Manager) SetDebounce(d time.Duration) {
	m.debounce = d
}

// Load reads every source once and starts watching those that support it.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	cfg, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m.reloadMu.Lock()
	m.sources = append([]Source(nil), sources...)
	m.reloadMu.Unlock()
	m.apply(cfg)

	m.mu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.watchCancel = cancel
	m.mu.Unlock()
	m.watch(watchCtx, sources)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

func (m *Manager) Sources() []Source {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return append([]Source(nil), m.sources...)
}

// Reload re-reads all sources; the previous configuration stays active on error.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	cfg, err := m.Service.Load(ctx, m.sources...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	m.apply(cfg)
	return nil
}

// OnChange registers a listener invoked after each effective change.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		if m.watchCancel != nil {
			m.watchCancel()
		}
		m.mu.Unlock()
		m.watchWg.Wait()
		for _, src := range m.Sources() {
			if src == nil {
				continue
			}
			if err := src.Close(); err != nil {
				logger.FromContext(ctx).Error("Failed to close configuration source", "source", src.Type(), "error", err)
			}
		}
	})
	return nil
}

func (m *Manager) watch(ctx context.Context, sources []Source) {
	reload := func() {
		if err := m.Reload(ctx); err != nil {
			logger.FromContext(ctx).Error("Failed to reload configuration", "error", err)
		}
	}
	trigger := reload
	if m.debounce > 0 {
		var cancel func()
		trigger, cancel = debounce.NewWithMaxWait(m.debounce, 10*m.debounce, reload)
		m.watchWg.Add(1)
		go func() {
			defer m.watchWg.Done()
			<-ctx.Done()
			cancel()
		}()
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		if err := src.Watch(ctx, trigger); err != nil {
			logger.FromContext(ctx).Debug("Configuration source not watched", "source", src.Type(), "error", err)
		}
	}
}

func (m *Manager) apply(cfg *Config) {
	prev := m.current.Swap(cfg)
	if prev != nil && reflect.DeepEqual(prev, cfg) {
		return
	}
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(cfg)
		}
	}
}
