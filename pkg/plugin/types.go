package plugin

import (
	"fmt"
	"strings"
)

// Capability expresses optional host features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	CapabilityKeys       Capability = "keys"
)

// Resource is a single opaque record managed by a ResourcesManager. The engine
// never interprets its fields.
type Resource map[string]any

// Name returns the "name" field of the resource, if it is a string.
func (r Resource) Name() string {
	if r == nil {
		return ""
	}
	name, _ := r["name"].(string)
	return name
}

// ResourceType is a named kind of resource a plugin manages, together with
// the factory for its manager.
type ResourceType struct {
	Name        string
	Description string
	New         func(opts ManagerOptions) (ResourcesManager, error)
}

// Plugin is the static descriptor of a plugin. It is immutable once resolved.
type Plugin struct {
	Name          string
	Description   string
	Version       string
	Dependencies  []string
	ResourceTypes []ResourceType
	Capabilities  []Capability
}

// ResourceType looks up a resource type by name.
func (p Plugin) ResourceType(name string) (ResourceType, bool) {
	for _, rt := range p.ResourceTypes {
		if rt.Name == name {
			return rt, true
		}
	}
	return ResourceType{}, false
}

// ResourceTypeNames returns the resource type names in declaration order.
func (p Plugin) ResourceTypeNames() []string {
	names := make([]string, 0, len(p.ResourceTypes))
	for _, rt := range p.ResourceTypes {
		names = append(names, rt.Name)
	}
	return names
}

// Validate checks the descriptor is usable by the engine.
func (p Plugin) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	seen := make(map[string]struct{}, len(p.ResourceTypes))
	for _, rt := range p.ResourceTypes {
		if rt.Name == "" {
			return fmt.Errorf("plugin %s: resource type name cannot be empty", p.Name)
		}
		if rt.New == nil {
			return fmt.Errorf("plugin %s: resource type %s has no factory", p.Name, rt.Name)
		}
		if _, dup := seen[rt.Name]; dup {
			return fmt.Errorf("plugin %s: duplicate resource type %s", p.Name, rt.Name)
		}
		seen[rt.Name] = struct{}{}
	}
	for _, dep := range p.Dependencies {
		if dep == p.Name {
			return fmt.Errorf("plugin %s cannot depend on itself", p.Name)
		}
	}
	return nil
}

// ResourceKey identifies one resource stream in the aggregated view. Its text
// form is "plugin:resourceType".
type ResourceKey struct {
	Plugin       string
	ResourceType string
}

func (k ResourceKey) String() string {
	return k.Plugin + ":" + k.ResourceType
}

// MarshalText lets ResourceKey serve as a JSON object key.
func (k ResourceKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses "plugin:resourceType". Plugin names may not contain a
// colon, resource type names may.
func (k *ResourceKey) UnmarshalText(text []byte) error {
	plugin, rt, ok := strings.Cut(string(text), ":")
	if !ok || plugin == "" || rt == "" {
		return fmt.Errorf("invalid resource key %q", text)
	}
	k.Plugin, k.ResourceType = plugin, rt
	return nil
}

// AllResources is the aggregated view: one entry per resource type of every
// activated plugin.
type AllResources map[ResourceKey][]Resource

// Clone copies the map and its slices. Resources themselves are shared.
func (a AllResources) Clone() AllResources {
	out := make(AllResources, len(a))
	for k, v := range a {
		out[k] = append([]Resource(nil), v...)
	}
	return out
}

// Plugin returns the entries of a single plugin keyed by resource type.
func (a AllResources) Plugin(name string) map[string][]Resource {
	out := make(map[string][]Resource)
	for k, v := range a {
		if k.Plugin == name {
			out[k.ResourceType] = v
		}
	}
	return out
}
