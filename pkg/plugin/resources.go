package plugin

import (
	"context"
	"log/slog"
	"strings"

	"ChainHost/internal/broadcast"
)

// ResourcesManager owns every resource of one resource type of one plugin.
// The engine creates exactly one per (plugin, resource type) pair.
type ResourcesManager interface {
	// Init prepares the manager. A failure keeps the whole plugin inactive.
	Init(ctx context.Context) error
	// Resources is a replay-latest stream of the full resource snapshot.
	Resources() *broadcast.Subject[[]Resource]
	// Debug describes the manager's internal state.
	Debug() DescribeTable
}

// ResourceController is implemented by managers that allow resources to be
// changed from outside, e.g. over the HTTP API.
type ResourceController interface {
	Create(ctx context.Context, spec Resource) (Resource, error)
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (Resource, error)
	List(ctx context.Context) ([]Resource, error)
}

// PortKey identifies a single allocated port.
type PortKey struct {
	Plugin       string `json:"plugin"`
	ResourceType string `json:"resource_type"`
	Resource     string `json:"resource"`
	Name         string `json:"name"`
}

func (k PortKey) String() string {
	return strings.Join([]string{k.Plugin, k.ResourceType, k.Resource, k.Name}, "/")
}

// PortAllocator hands out host ports shared by all managers. Allocate returns
// the same port for the same key until it is released.
type PortAllocator interface {
	Allocate(ctx context.Context, key PortKey) (int, error)
	// Release frees the port of key. An empty Name frees every port of the
	// resource.
	Release(ctx context.Context, key PortKey) error
	// Reserve records port as assigned to key. Managers call it on restart for
	// ports they persisted, so later allocations skip them.
	Reserve(ctx context.Context, key PortKey, port int) error
	Debug() DescribeTable
}

// Binary describes how the host executable re-invokes itself, which managers
// use to build commands for processes they supervise.
type Binary struct {
	Cmd      string
	FirstArg string
}

func (b Binary) String() string {
	return strings.TrimSpace(b.Cmd + " " + b.FirstArg)
}

// Args returns the argument vector with extra arguments appended.
func (b Binary) Args(extra ...string) []string {
	args := make([]string, 0, len(extra)+2)
	args = append(args, b.Cmd)
	if b.FirstArg != "" {
		args = append(args, b.FirstArg)
	}
	return append(args, extra...)
}

// Engine is the view of the plugin manager given to resources managers, so
// that a plugin can reach the managers of the plugins it depends on.
type Engine interface {
	Plugin(name string) (Plugin, bool)
	GetResourcesManager(plugin, resourceType string) (ResourcesManager, error)
}

// ManagerOptions is everything a ResourceType factory receives.
type ManagerOptions struct {
	Plugin       string
	ResourceType string
	DataPath     string
	Engine       Engine
	Binary       Binary
	Ports        PortAllocator
	Config       map[string]any
	Logger       *slog.Logger
}
