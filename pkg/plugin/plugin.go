package plugin

import (
	"context"
	"log/slog"
	"maps"
)

// Plugin is implemented by every driver or notifier binary.
type Plugin interface {
	// Info returns static metadata. Category decides how the host uses the plugin.
	Info() Info
	// Configure receives the manifest block before Init and may add defaults to it.
	Configure(cfg map[string]any) error
	Init(ctx *ExecutionContext) error
	Start(ctx *ExecutionContext) error
	Stop(ctx *ExecutionContext) error
}

// Well-known resource keys the daemon registers.
const (
	// ResourceDataDir is the daemon's runtime data directory (string).
	ResourceDataDir = "data_dir"
	// ResourceUserAgent is the User-Agent outbound calls should send (string).
	ResourceUserAgent = "user_agent"
)

// ExecutionContext is passed to plugins for every lifecycle stage.
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
	// Logger is scoped to the plugin id.
	Logger *slog.Logger
}

// Resource returns a shared resource by key.
func (c *ExecutionContext) Resource(key string) (any, bool) {
	if c == nil || c.Resources == nil {
		return nil, false
	}
	v, ok := c.Resources[key]
	return v, ok
}

// StringResource returns a string resource or "".
func (c *ExecutionContext) StringResource(key string) string {
	v, _ := c.Resource(key)
	s, _ := v.(string)
	return s
}

// Clone returns a copy whose maps can be mutated by the plugin.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = maps.Clone(c.Config)
	dup.Resources = maps.Clone(c.Resources)
	return &dup
}

// Option modifies a Manager.
type Option func(*Manager)

// WithLoader overrides the shared object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy replaces the capability guard.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource exposes a shared value to every plugin.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
