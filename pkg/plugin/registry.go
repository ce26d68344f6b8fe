package plugin

import (
	"fmt"
	"slices"
	"sync"
)

// Resolver maps a plugin name to its descriptor.
type Resolver interface {
	Resolve(name string) (Plugin, error)
}

// Registry is the build-time Resolver: every plugin compiled into the binary
// registers its descriptor here.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry registers the given descriptors.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %s already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return Plugin{}, pluginError(CodePluginNotFound, name, nil, "plugin %s is not known to this build", name)
	}
	return p, nil
}

// Names lists the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (Plugin, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(name string) (Plugin, error) {
	return f(name)
}
