package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the plugin manifest: where binaries live, the default
// capability policy and one block per plugin instance.
type ManagerConfig struct {
	PluginDir string                  `json:"pluginDir" yaml:"pluginDir"`
	Defaults  IsolationPolicy         `json:"defaults" yaml:"defaults"`
	Plugins   map[string]PluginConfig `json:"plugins" yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled bool             `json:"enabled" yaml:"enabled"`
	Path    string           `json:"path" yaml:"path"`
	Config  map[string]any   `json:"config,omitempty" yaml:"config"`
	Policy  *IsolationPolicy `json:"policy,omitempty" yaml:"policy"`
}

// IsolationPolicy lists the capabilities a plugin may or may not request.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `json:"allowedCapabilities,omitempty" yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `json:"deniedCapabilities,omitempty" yaml:"deniedCapabilities"`
}

// Merge fills empty lists from other.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

func (p IsolationPolicy) empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// LoadManagerConfig reads a manifest. Files ending in .json are decoded as
// JSON, everything else as YAML.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("plugin manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin manifest: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &cfg)
	} else {
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("decode plugin manifest: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures every enabled plugin has a binary to load.
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if strings.TrimSpace(id) == "" {
			return errors.New("plugin id cannot be empty")
		}
		if plugin.Enabled && strings.TrimSpace(plugin.Path) == "" {
			return fmt.Errorf("plugin %s is enabled but has no path", id)
		}
	}
	return nil
}
