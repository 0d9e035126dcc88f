package plugin

import (
	"errors"
	"fmt"
	"os"
	goplugin "plugin"
	"strings"
)

// DefaultSymbol is the exported name a plugin binary must provide.
const DefaultSymbol = "Plugin"

// Loader resolves a plugin binary into a Plugin.
type Loader interface {
	Load(path string) (Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Plugin, error)

// Load implements Loader.
func (f LoaderFunc) Load(path string) (Plugin, error) { return f(path) }

// SharedObjectLoader opens binaries built with -buildmode=plugin.
type SharedObjectLoader struct {
	// Symbol overrides DefaultSymbol.
	Symbol string
}

// Load opens the shared object and resolves its plugin symbol. The symbol may
// be a Plugin variable or a func() Plugin constructor.
func (l SharedObjectLoader) Load(path string) (Plugin, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin binary: %w", err)
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	name := l.Symbol
	if name == "" {
		name = DefaultSymbol
	}
	symbol, err := so.Lookup(name)
	if err != nil {
		return nil, err
	}
	return resolveSymbol(name, symbol)
}

func resolveSymbol(name string, symbol any) (Plugin, error) {
	switch v := symbol.(type) {
	case *Plugin:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("symbol %s is nil", name)
		}
		return *v, nil
	case Plugin:
		return v, nil
	case func() Plugin:
		p := v()
		if p == nil {
			return nil, fmt.Errorf("constructor %s returned nil", name)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("symbol %s has type %T, want plugin.Plugin or func() plugin.Plugin", name, symbol)
	}
}
