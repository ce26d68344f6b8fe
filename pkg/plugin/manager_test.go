package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"ChainHost/internal/broadcast"
	"ChainHost/pkg/logger"
)

type fakeManager struct {
	opts     ManagerOptions
	subject  *broadcast.Subject[[]Resource]
	initFunc func(ctx context.Context) error
}

func (f *fakeManager) Init(ctx context.Context) error {
	if f.initFunc != nil {
		return f.initFunc(ctx)
	}
	return nil
}

func (f *fakeManager) Resources() *broadcast.Subject[[]Resource] { return f.subject }

func (f *fakeManager) Debug() DescribeTable {
	return DescribeTable{{Key: "Data Path", Value: f.opts.DataPath}}
}

// fixture builds descriptors whose managers are recorded for inspection.
type fixture struct {
	mu       sync.Mutex
	managers map[ResourceKey]*fakeManager
	created  int
	initFor  map[string]func(ctx context.Context) error
}

func newFixture() *fixture {
	return &fixture{managers: map[ResourceKey]*fakeManager{}, initFor: map[string]func(context.Context) error{}}
}

func (f *fixture) resourceType(name string) ResourceType {
	return ResourceType{Name: name, New: func(opts ManagerOptions) (ResourcesManager, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		mgr := &fakeManager{
			opts:     opts,
			subject:  broadcast.New[[]Resource](broadcast.ReplayLatest),
			initFunc: f.initFor[opts.Plugin+":"+opts.ResourceType],
		}
		f.managers[ResourceKey{Plugin: opts.Plugin, ResourceType: opts.ResourceType}] = mgr
		f.created++
		return mgr, nil
	}}
}

func (f *fixture) plugin(name string, deps ...string) Plugin {
	return Plugin{Name: name, Dependencies: deps, ResourceTypes: []ResourceType{f.resourceType("items")}}
}

func (f *fixture) manager(plugin, rt string) *fakeManager {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managers[ResourceKey{Plugin: plugin, ResourceType: rt}]
}

func (f *fixture) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newRegistry(t *testing.T, plugins ...Plugin) *Registry {
	t.Helper()
	reg, err := NewRegistry(plugins...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newTestManager(t *testing.T, resolver Resolver, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithResolver(resolver), WithDataDir(t.TempDir()), WithLogger(logger.Discard())}
	m, err := NewManager(ManagerConfig{}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func nextSnapshot(t *testing.T, sub *broadcast.Subscription[AllResources]) AllResources {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatalf("view subscription closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for aggregated snapshot")
	}
	return nil
}

func assertNoSnapshot(t *testing.T, sub *broadcast.Subscription[AllResources]) {
	t.Helper()
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected snapshot %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterPluginsActivatesInDependencyOrder(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	reg := newRegistry(t, fx.plugin("a"), fx.plugin("b", "a"), fx.plugin("c", "b"))
	m := newTestManager(t, reg)

	report, err := m.RegisterPlugins(context.Background(), []string{"c", "b", "a", "c"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if got := m.Plugins(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected activation order: %v", got)
	}
	if len(report.Activated) != 3 || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	if fx.createdCount() != 3 {
		t.Fatalf("expected one manager per plugin, got %d", fx.createdCount())
	}
}

func TestRegisterPluginsIsolatesUnmetDependency(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	reg := newRegistry(t, fx.plugin("a"), fx.plugin("b", "a"), fx.plugin("c", "d"))

	var (
		mu     sync.Mutex
		failed []string
	)
	m := newTestManager(t, reg, WithFailureHandler(func(_ context.Context, name string, _ error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, name)
	}))

	report, err := m.RegisterPlugins(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if got := m.Plugins(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected plugins: %v", got)
	}
	if !errors.Is(report.Failed["c"], ErrDependencyNotMet) {
		t.Fatalf("expected dependency-not-met for c, got %v", report.Failed["c"])
	}
	if fx.manager("c", "items") != nil {
		t.Fatalf("no manager may be created for c")
	}
	if _, err := m.GetResourcesManager("c", "items"); !errors.Is(err, ErrPluginNotInstalled) {
		t.Fatalf("expected not installed, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(failed, []string{"c"}) {
		t.Fatalf("failure handler saw %v", failed)
	}
}

func TestRegisterPluginsRejectsCycle(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	reg := newRegistry(t, fx.plugin("x", "y"), fx.plugin("y", "x"), fx.plugin("z"))
	m := newTestManager(t, reg)

	_, err := m.RegisterPlugins(context.Background(), []string{"x", "y", "z"})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var cycle *CycleError
	if !errors.As(err, &cycle) || len(cycle.Cycle) != 3 {
		t.Fatalf("expected cycle path, got %v", err)
	}
	if len(m.Plugins()) != 0 || fx.createdCount() != 0 {
		t.Fatalf("nothing may activate on a cycle")
	}
}

func TestRegisterPluginsUnknownNameAbortsBatch(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a")))

	_, err := m.RegisterPlugins(context.Background(), []string{"a", "missing"})
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(m.Plugins()) != 0 {
		t.Fatalf("nothing may activate when resolution fails")
	}
}

func TestReactivationReusesManagers(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a")))
	ctx := context.Background()

	if _, err := m.RegisterPlugins(ctx, []string{"a"}); err != nil {
		t.Fatalf("first RegisterPlugins: %v", err)
	}
	first, err := m.GetResourcesManager("a", "items")
	if err != nil {
		t.Fatalf("GetResourcesManager: %v", err)
	}
	report, err := m.RegisterPlugins(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("second RegisterPlugins: %v", err)
	}
	if !reflect.DeepEqual(report.Skipped, []string{"a"}) || len(report.Activated) != 0 {
		t.Fatalf("expected a to be skipped: %+v", report)
	}
	second, _ := m.GetResourcesManager("a", "items")
	if first != second || fx.createdCount() != 1 {
		t.Fatalf("re-activation must not create a new manager")
	}
	if got := m.Plugins(); len(got) != 1 {
		t.Fatalf("plugins must not grow on re-activation: %v", got)
	}
}

func TestGetResourcesManagerDistinguishesErrors(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a")))
	if _, err := m.RegisterPlugins(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	if _, err := m.GetResourcesManager("nope", "items"); !errors.Is(err, ErrPluginNotInstalled) {
		t.Fatalf("expected not installed, got %v", err)
	}
	_, err := m.GetResourcesManager("a", "nope")
	if !errors.Is(err, ErrUnknownResourceType) || errors.Is(err, ErrPluginNotInstalled) {
		t.Fatalf("expected unknown resource type, got %v", err)
	}
}

func TestManagerInitFailureKeepsPluginInactive(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.initFor["a:broken"] = func(context.Context) error { return errors.New("boom") }
	a := Plugin{Name: "a", ResourceTypes: []ResourceType{fx.resourceType("items"), fx.resourceType("broken")}}
	reg := newRegistry(t, a, fx.plugin("b", "a"))

	dir := t.TempDir()
	m := newTestManager(t, reg, WithDataDir(dir))

	report, err := m.RegisterPlugins(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if !errors.Is(report.Failed["a"], ErrResourceInitFailed) {
		t.Fatalf("expected init failure for a, got %v", report.Failed["a"])
	}
	if !errors.Is(report.Failed["b"], ErrDependencyNotMet) {
		t.Fatalf("expected dependency-not-met for b, got %v", report.Failed["b"])
	}
	if len(m.Plugins()) != 0 {
		t.Fatalf("no plugin may be active: %v", m.Plugins())
	}
	store, _ := NewFileReadyStore(filepath.Join(dir, "ready"))
	names, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("ready state written for failed plugin: %v", names)
	}
	if _, ok := m.Resources()[ResourceKey{Plugin: "a", ResourceType: "items"}]; ok {
		t.Fatalf("failed plugin leaked into the aggregated view")
	}
}

type failingReadyStore struct{}

func (failingReadyStore) Write(context.Context, string) error { return errors.New("disk full") }

func (failingReadyStore) All(context.Context) ([]string, error) { return nil, nil }

func TestReadyStateFailureIsPerPlugin(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a")), WithReadyStore(failingReadyStore{}))

	report, err := m.RegisterPlugins(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if !errors.Is(report.Failed["a"], ErrResourceInitFailed) {
		t.Fatalf("expected ready-state failure, got %v", report.Failed["a"])
	}
	if len(m.Plugins()) != 0 {
		t.Fatalf("plugin must not be published without ready state")
	}
}

func TestInitRestoresReadyPlugins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	fx := newFixture()
	reg := newRegistry(t, fx.plugin("a"), fx.plugin("b", "a"), fx.plugin("c"), fx.plugin("d"))
	first := newTestManager(t, reg, WithDataDir(dir))
	if _, err := first.RegisterPlugins(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	cfg := ManagerConfig{Plugins: map[string]PluginConfig{"d": {Enabled: true}}}
	second, err := NewManager(cfg, WithResolver(reg), WithDataDir(dir), WithDefaultPlugins("c"), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer second.Close()
	if err := second.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, ok := second.Plugin(name); !ok {
			t.Fatalf("expected %s to be restored, got %v", name, second.Plugins())
		}
	}
}

func TestInitToleratesStaleReadyNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileReadyStore(filepath.Join(dir, "ready"))
	if err != nil {
		t.Fatalf("NewFileReadyStore: %v", err)
	}
	if err := store.Write(context.Background(), "b"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fx := newFixture()
	// b depends on a plugin that was never persisted and is not requested.
	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("b", "gone")), WithDataDir(dir), WithDefaultPlugins("a"))
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := m.Plugins(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("unexpected plugins: %v", got)
	}
}

func TestAllResourcesEmitsOncePerChange(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("b")))

	sub := m.AllResources().Subscribe()
	defer sub.Cancel()
	if got := nextSnapshot(t, sub); len(got) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", got)
	}

	if _, err := m.RegisterPlugins(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	keyA := ResourceKey{Plugin: "a", ResourceType: "items"}
	got := nextSnapshot(t, sub)
	if res, ok := got[keyA]; !ok || len(res) != 0 || len(got) != 1 {
		t.Fatalf("expected a single empty entry for a, got %v", got)
	}
	assertNoSnapshot(t, sub)

	fx.manager("a", "items").subject.Publish([]Resource{{"name": "r1"}})
	got = nextSnapshot(t, sub)
	if len(got[keyA]) != 1 || got[keyA][0].Name() != "r1" {
		t.Fatalf("expected manager emission to be reflected, got %v", got)
	}
	assertNoSnapshot(t, sub)

	if _, err := m.RegisterPlugins(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	got = nextSnapshot(t, sub)
	if len(got) != 2 || len(got[keyA]) != 1 {
		t.Fatalf("expected both plugins in snapshot, got %v", got)
	}
	assertNoSnapshot(t, sub)
}

func TestAllResourcesReadsManagerSnapshotOnActivation(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a")))

	// Publish from Init so the snapshot exists before the view subscribes.
	fx.initFor["a:items"] = func(context.Context) error {
		fx.manager("a", "items").subject.Publish([]Resource{{"name": "seed"}})
		return nil
	}
	if _, err := m.RegisterPlugins(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	late := m.AllResources().Subscribe()
	defer late.Cancel()
	got := nextSnapshot(t, late)
	if res := got[ResourceKey{Plugin: "a", ResourceType: "items"}]; len(res) != 1 || res[0].Name() != "seed" {
		t.Fatalf("late subscriber must see the current snapshot, got %v", got)
	}
	assertNoSnapshot(t, late)
	if len(m.Resources()) != 1 {
		t.Fatalf("Resources must match the latest snapshot")
	}
}

func TestPluginActivatedReplaysHistory(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("b", "a")))
	if _, err := m.RegisterPlugins(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	sub := m.PluginActivated().Subscribe()
	defer sub.Cancel()
	for _, want := range []string{"a", "b"} {
		select {
		case got := <-sub.C():
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestZeroDependencyPluginsActivateConcurrently(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()
	barrier := func(ctx context.Context) error {
		entered.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never started")
		}
	}
	fx.initFor["a:items"] = barrier
	fx.initFor["b:items"] = barrier

	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("b")))
	report, err := m.RegisterPlugins(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if report.Err() != nil || len(m.Plugins()) != 2 {
		t.Fatalf("expected concurrent activation to succeed: %v", report.Err())
	}
}

func TestRegisterPluginsSerialisesBatches(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	started := make(chan struct{})
	release := make(chan struct{})
	secondStarted := make(chan struct{})
	fx.initFor["a:items"] = func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	fx.initFor["z:items"] = func(context.Context) error {
		close(secondStarted)
		return nil
	}
	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("z")))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = m.RegisterPlugins(ctx, []string{"a"})
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = m.RegisterPlugins(ctx, []string{"z"})
	}()

	select {
	case <-secondStarted:
		t.Fatalf("second batch ran while the first was still in progress")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	if got := m.Plugins(); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Fatalf("unexpected plugins: %v", got)
	}
}

func TestPolicyViolationIsPerPlugin(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	risky := fx.plugin("risky")
	risky.Capabilities = []Capability{CapabilityExecution}
	reg := newRegistry(t, risky, fx.plugin("safe"))

	cfg := ManagerConfig{Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}}}
	m, err := NewManager(cfg, WithResolver(reg), WithDataDir(t.TempDir()), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	report, err := m.RegisterPlugins(context.Background(), []string{"risky", "safe"})
	if err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	if !errors.Is(report.Failed["risky"], ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", report.Failed["risky"])
	}
	if !reflect.DeepEqual(m.Plugins(), []string{"safe"}) {
		t.Fatalf("unexpected plugins: %v", m.Plugins())
	}
}

func TestManagerOptionsAndDebug(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	dir := t.TempDir()
	m := newTestManager(t, newRegistry(t, fx.plugin("chainhost/network")),
		WithDataDir(dir), WithBinary(Binary{Cmd: "/usr/bin/chainhostd", FirstArg: "serve"}))
	if _, err := m.RegisterPlugins(context.Background(), []string{"chainhost/network"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	opts := fx.manager("chainhost/network", "items").opts
	want := filepath.Join(dir, "managers", "chainhost_network", "items")
	if opts.DataPath != want {
		t.Fatalf("unexpected data path %s, want %s", opts.DataPath, want)
	}
	if opts.Engine == nil || opts.Logger == nil {
		t.Fatalf("engine and logger must be provided")
	}

	table := m.Debug()
	if row, ok := table.Lookup("Binary"); !ok || row.Value != "/usr/bin/chainhostd serve" {
		t.Fatalf("unexpected binary row: %+v", row)
	}
	if _, ok := table.Lookup("Port Allocator"); !ok {
		t.Fatalf("missing port allocator row")
	}
	row, ok := table.Path("Resources Managers", "network", "items", "Data Path")
	if !ok || row.Value != want {
		t.Fatalf("unexpected manager debug row: %+v (table %s)", row, table)
	}
}

func TestRegisterPluginsAfterCloseFails(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	m := newTestManager(t, newRegistry(t, fx.plugin("a"), fx.plugin("b")))
	ctx := context.Background()
	if _, err := m.RegisterPlugins(ctx, []string{"a"}); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}

	before := m.Resources()

	m.Close()
	m.Close()
	if _, err := m.RegisterPlugins(ctx, []string{"b"}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	if !reflect.DeepEqual(m.Plugins(), []string{"a"}) {
		t.Fatalf("plugins must not change after Close: %v", m.Plugins())
	}
	if !reflect.DeepEqual(m.Resources(), before) {
		t.Fatalf("view must not change after Close: %v", m.Resources())
	}
}
