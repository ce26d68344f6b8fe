package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ChainHost/internal/broadcast"
	"ChainHost/pkg/logger"
)

// builtinPrefix is stripped from plugin names in debug output.
const builtinPrefix = "chainhost/"

// FailureHandler is notified of every per-plugin activation failure.
type FailureHandler func(ctx context.Context, plugin string, err error)

// Report summarises one RegisterPlugins batch.
type Report struct {
	// Activated lists plugins activated by this batch, in activation order.
	Activated []string
	// Skipped lists requested plugins that were already active.
	Skipped []string
	// Failed maps plugins that could not be activated to the reason.
	Failed map[string]error
}

// Err joins the per-plugin failures, or returns nil when there were none.
func (r *Report) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, r.Failed[name])
	}
	return errors.Join(errs...)
}

// Manager resolves plugin dependencies, activates plugins in dependency order
// and supervises their resources managers.
type Manager struct {
	// batchMu serialises RegisterPlugins calls and guards closed.
	batchMu sync.Mutex
	closed  bool

	mu       sync.RWMutex
	plugins  map[string]Plugin
	order    []string
	managers map[string]map[string]ResourcesManager

	cfg       ManagerConfig
	resolver  Resolver
	ready     ReadyStore
	isolation IsolationStrategy
	dataDir   string
	binary    Binary
	ports     PortAllocator
	defaults  []string
	onFailure FailureHandler
	log       *slog.Logger

	activated *broadcast.Subject[string]
	view      *view
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithResolver sets the descriptor resolver.
func WithResolver(r Resolver) Option {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithReadyStore overrides the default file ready store under the data dir.
func WithReadyStore(s ReadyStore) Option {
	return func(m *Manager) {
		if s != nil {
			m.ready = s
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithDataDir sets the root under which manager data paths are created.
func WithDataDir(dir string) Option {
	return func(m *Manager) {
		m.dataDir = dir
	}
}

// WithBinary describes the host executable to managers.
func WithBinary(b Binary) Option {
	return func(m *Manager) {
		m.binary = b
	}
}

// WithPortAllocator shares a port allocator with every manager.
func WithPortAllocator(p PortAllocator) Option {
	return func(m *Manager) {
		m.ports = p
	}
}

// WithDefaultPlugins adds plugins that are always activated by Init.
func WithDefaultPlugins(names ...string) Option {
	return func(m *Manager) {
		m.defaults = append(m.defaults, names...)
	}
}

// WithFailureHandler registers a callback for per-plugin failures.
func WithFailureHandler(h FailureHandler) Option {
	return func(m *Manager) {
		m.onFailure = h
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		plugins:   make(map[string]Plugin),
		managers:  make(map[string]map[string]ResourcesManager),
		cfg:       cfg,
		activated: broadcast.New[string](broadcast.ReplayAll),
		view:      newView(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		return nil, errors.New("plugin resolver is required")
	}
	if m.dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if m.ready == nil {
		store, err := NewFileReadyStore(filepath.Join(m.dataDir, "ready"))
		if err != nil {
			return nil, err
		}
		m.ready = store
	}
	if m.log == nil {
		m.log = logger.Named("plugin-manager")
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	return m, nil
}

// Init activates every plugin recorded in the ready store together with the
// default plugins and the plugins enabled in the manager config.
func (m *Manager) Init(ctx context.Context) error {
	stored, err := m.ready.All(ctx)
	if err != nil {
		return fmt.Errorf("load ready state: %w", err)
	}
	names := make([]string, 0, len(stored)+len(m.defaults))
	names = append(names, stored...)
	names = append(names, m.defaults...)
	names = append(names, m.cfg.EnabledPlugins()...)

	report, err := m.RegisterPlugins(ctx, names)
	if err != nil {
		return err
	}
	m.log.Info("plugin manager initialised",
		slog.Int("activated", len(report.Activated)),
		slog.Int("failed", len(report.Failed)),
		slog.Any("plugins", m.Plugins()))
	return nil
}

// RegisterPlugins activates the named plugins and, transitively, nothing
// else: dependencies must be part of the batch or already active. A failure
// to resolve any name or a dependency cycle aborts the whole batch. Any other
// failure only affects the plugin concerned and is reported in the Report.
// After Close every call fails with ErrManagerClosed.
func (m *Manager) RegisterPlugins(ctx context.Context, names []string) (*Report, error) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	report := &Report{Failed: make(map[string]error)}
	requested := make(map[string]Plugin)
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if _, active := m.Plugin(name); active {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		p, err := m.resolver.Resolve(name)
		if err != nil {
			if !errors.Is(err, ErrPluginNotFound) {
				err = pluginError(CodePluginNotFound, name, err, "resolve plugin %s", name)
			}
			m.log.Error("plugin resolution failed", slog.String("plugin", name), slog.Any("error", err))
			return nil, err
		}
		requested[name] = p
	}

	g := newGraph()
	for name, p := range requested {
		g.addVertex(name)
		for _, dep := range p.Dependencies {
			g.addEdge(name, dep)
		}
	}
	order, err := g.topoSort()
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) && len(cycle.Cycle) > 0 {
			err = pluginError(CodeDependencyCycle, cycle.Cycle[0], err, "order plugins")
		}
		m.log.Error("plugin dependency cycle", slog.Any("error", err))
		return nil, err
	}

	var (
		reportMu sync.Mutex
		roots    []string
	)
	record := func(name string, err error) {
		reportMu.Lock()
		defer reportMu.Unlock()
		if err != nil {
			report.Failed[name] = err
			return
		}
		report.Activated = append(report.Activated, name)
	}

	for _, name := range order {
		if p, ok := requested[name]; ok && len(p.Dependencies) == 0 {
			roots = append(roots, name)
		}
	}
	var eg errgroup.Group
	for _, name := range roots {
		p := requested[name]
		eg.Go(func() error {
			record(name, m.activate(ctx, p))
			return nil
		})
	}
	_ = eg.Wait()

	for _, name := range order {
		p, ok := requested[name]
		if !ok || len(p.Dependencies) == 0 {
			continue
		}
		if missing := m.missingDependencies(p); len(missing) > 0 {
			err := pluginError(CodeDependencyNotMet, name, nil,
				"plugin %s depends on %s which is not active", name, strings.Join(missing, ", "))
			m.fail(ctx, name, err)
			record(name, err)
			continue
		}
		record(name, m.activate(ctx, p))
	}
	return report, nil
}

func (m *Manager) missingDependencies(p Plugin) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []string
	for _, dep := range p.Dependencies {
		if _, ok := m.plugins[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// activate creates and initialises every resources manager of p and then
// publishes the plugin. Nothing is published unless all managers initialise
// and the ready state is written.
func (m *Manager) activate(ctx context.Context, p Plugin) error {
	config, policy := m.cfg.PluginSettings(p.Name)
	if err := m.isolation.Validate(p, policy); err != nil {
		err = pluginError(CodePolicyViolation, p.Name, err, "plugin %s rejected by isolation policy", p.Name)
		m.fail(ctx, p.Name, err)
		return err
	}

	log := m.log.With(slog.String("plugin", p.Name))
	managers := make(map[string]ResourcesManager, len(p.ResourceTypes))
	for _, rt := range p.ResourceTypes {
		mgr, err := rt.New(ManagerOptions{
			Plugin:       p.Name,
			ResourceType: rt.Name,
			DataPath:     m.managerDataPath(p.Name, rt.Name),
			Engine:       m,
			Binary:       m.binary,
			Ports:        m.ports,
			Config:       cloneConfig(config),
			Logger:       log.With(slog.String("resource_type", rt.Name)),
		})
		if err == nil && mgr == nil {
			err = errors.New("factory returned no manager")
		}
		if err != nil {
			err = pluginError(CodeResourceInitFailed, p.Name, err, "create %s manager", rt.Name)
			m.fail(ctx, p.Name, err)
			return err
		}
		managers[rt.Name] = mgr
	}

	eg, gctx := errgroup.WithContext(ctx)
	for name, mgr := range managers {
		eg.Go(func() error {
			if err := mgr.Init(gctx); err != nil {
				return fmt.Errorf("init %s manager: %w", name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		err = pluginError(CodeResourceInitFailed, p.Name, err, "initialise plugin %s", p.Name)
		m.fail(ctx, p.Name, err)
		return err
	}

	if err := m.ready.Write(ctx, p.Name); err != nil {
		err = pluginError(CodeResourceInitFailed, p.Name, err, "persist ready state of %s", p.Name)
		m.fail(ctx, p.Name, err)
		return err
	}

	sources := make([]viewSource, 0, len(p.ResourceTypes))
	for _, rt := range p.ResourceTypes {
		sources = append(sources, viewSource{
			key:     ResourceKey{Plugin: p.Name, ResourceType: rt.Name},
			manager: managers[rt.Name],
		})
	}

	m.mu.Lock()
	m.plugins[p.Name] = p
	m.order = append(m.order, p.Name)
	m.managers[p.Name] = managers
	m.view.add(sources)
	m.mu.Unlock()

	m.activated.Publish(p.Name)
	log.Info("plugin activated", slog.Any("resource_types", p.ResourceTypeNames()))
	logger.Audit().Info("plugin activated", slog.String("plugin", p.Name), slog.String("version", p.Version))
	return nil
}

func (m *Manager) fail(ctx context.Context, name string, err error) {
	m.log.Error("plugin activation failed", slog.String("plugin", name), slog.Any("error", err))
	if m.onFailure != nil {
		m.onFailure(ctx, name, err)
	}
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// managerDataPath returns <data>/managers/<plugin>/<resourceType>, with the
// plugin name reduced to characters safe in a single path element.
func (m *Manager) managerDataPath(plugin, resourceType string) string {
	return filepath.Join(m.dataDir, "managers", sanitizePathElement(plugin), sanitizePathElement(resourceType))
}

func sanitizePathElement(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Plugins returns the active plugin names in activation order.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Plugin returns the descriptor of an active plugin.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// GetResourcesManager returns the manager of one resource type of an active
// plugin.
func (m *Manager) GetResourcesManager(plugin, resourceType string) (ResourcesManager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.managers[plugin]
	if !ok {
		return nil, NotInstalled(plugin)
	}
	mgr, ok := set[resourceType]
	if !ok {
		return nil, UnknownResourceType(plugin, resourceType)
	}
	return mgr, nil
}

// AllResources returns the aggregated view stream. New subscribers receive
// the current snapshot first.
func (m *Manager) AllResources() *broadcast.Subject[AllResources] {
	return m.view.subject
}

// Resources returns the current aggregated snapshot.
func (m *Manager) Resources() AllResources {
	return m.view.latest()
}

// PluginActivated streams every plugin name as it is activated. New
// subscribers receive all earlier activations first.
func (m *Manager) PluginActivated() *broadcast.Subject[string] {
	return m.activated
}

// Debug describes the engine state.
func (m *Manager) Debug() DescribeTable {
	ports := DescribeTable{}
	if m.ports != nil {
		ports = m.ports.Debug()
	}

	type entry struct {
		name    string
		plugin  Plugin
		manager map[string]ResourcesManager
	}
	m.mu.RLock()
	entries := make([]entry, 0, len(m.order))
	for _, name := range m.order {
		entries = append(entries, entry{name: name, plugin: m.plugins[name], manager: m.managers[name]})
	}
	m.mu.RUnlock()

	managers := make(DescribeTable, 0, len(entries))
	for _, e := range entries {
		types := make(DescribeTable, 0, len(e.plugin.ResourceTypes))
		for _, rt := range e.plugin.ResourceTypes {
			types = append(types, DescribeRow{Key: rt.Name, Table: e.manager[rt.Name].Debug()})
		}
		managers = append(managers, DescribeRow{Key: strings.TrimPrefix(e.name, builtinPrefix), Table: types})
	}

	return DescribeTable{
		{Key: "Binary", Value: m.binary.String()},
		{Key: "Port Allocator", Table: ports},
		{Key: "Resources Managers", Table: managers},
	}
}

// Close stops the aggregated view and the activation stream. It waits for a
// running RegisterPlugins batch, and later batches fail with
// ErrManagerClosed. Managers are not torn down.
func (m *Manager) Close() {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.view.close()
	m.activated.Close()
}
