package plugin

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the YAML manager configuration: isolation defaults and
// per-plugin settings.
type ManagerConfig struct {
	Defaults IsolationPolicy         `yaml:"defaults"`
	Plugins  map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin.
type PluginConfig struct {
	// Enabled plugins are activated at boot even if they were never
	// activated before.
	Enabled bool             `yaml:"enabled"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs which capabilities a plugin may declare.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Empty reports whether the policy restricts nothing.
func (p IsolationPolicy) Empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	if err := c.Defaults.validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if plugin.Policy == nil {
			continue
		}
		if err := plugin.Policy.validate(); err != nil {
			return fmt.Errorf("plugin %s: %w", id, err)
		}
	}
	return nil
}

func (p IsolationPolicy) validate() error {
	for _, c := range p.DeniedCapabilities {
		if slices.Contains(p.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s is both allowed and denied", c)
		}
	}
	return nil
}

// EnabledPlugins returns the names of enabled plugins in sorted order.
func (c ManagerConfig) EnabledPlugins() []string {
	names := make([]string, 0, len(c.Plugins))
	for name, p := range c.Plugins {
		if p.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// PluginSettings returns a copy of the plugin's config block and its
// effective isolation policy.
func (c ManagerConfig) PluginSettings(name string) (map[string]any, IsolationPolicy) {
	pc := c.Plugins[name]
	return cloneConfig(pc.Config), MergePolicies(c.Defaults, pc.Policy)
}

func cloneConfig(cfg map[string]any) map[string]any {
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
