// Package resources implements a file-backed resources manager that built-in
// plugins specialise through an Adapter.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ChainHost/internal/broadcast"
	xerrors "ChainHost/internal/errors"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

const stateFile = "resources.json"

// Adapter supplies the resource-type specific behaviour.
type Adapter interface {
	// Prepare validates a new resource and fills in derived fields.
	Prepare(ctx context.Context, spec plugin.Resource) (plugin.Resource, error)
	// Release frees whatever Prepare acquired for the resource.
	Release(ctx context.Context, res plugin.Resource) error
	// Restore re-acquires what a persisted resource held before a restart.
	Restore(ctx context.Context, res plugin.Resource) error
}

// Nop accepts every resource unchanged.
type Nop struct{}

func (Nop) Prepare(_ context.Context, spec plugin.Resource) (plugin.Resource, error) {
	return spec, nil
}

func (Nop) Release(context.Context, plugin.Resource) error { return nil }

func (Nop) Restore(context.Context, plugin.Resource) error { return nil }

// Manager keeps the resources of one resource type in memory, persists them to
// <data path>/resources.json and publishes every change as a full snapshot.
type Manager struct {
	opts    plugin.ManagerOptions
	adapter Adapter
	seed    []plugin.Resource
	log     *slog.Logger

	mu       sync.Mutex
	items    map[string]plugin.Resource
	subject  *broadcast.Subject[[]plugin.Resource]
	initDone bool
}

// New builds a manager. Seed resources are created on first Init when no
// state file exists yet.
func New(opts plugin.ManagerOptions, adapter Adapter, seed ...plugin.Resource) *Manager {
	if adapter == nil {
		adapter = Nop{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("resources")
	}
	return &Manager{
		opts:    opts,
		adapter: adapter,
		seed:    seed,
		log:     log.With(slog.String("plugin", opts.Plugin), slog.String("resource_type", opts.ResourceType)),
		items:   make(map[string]plugin.Resource),
		subject: broadcast.New[[]plugin.Resource](broadcast.ReplayLatest),
	}
}

var (
	_ plugin.ResourcesManager   = (*Manager)(nil)
	_ plugin.ResourceController = (*Manager)(nil)
)

// Init loads persisted resources, or prepares the seed, and publishes the
// first snapshot.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initDone {
		return nil
	}
	if m.opts.DataPath == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "resources manager requires a data path")
	}
	if err := os.MkdirAll(m.opts.DataPath, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create data path")
	}

	loaded, err := m.load()
	if err != nil {
		return err
	}
	if loaded == nil {
		for _, spec := range m.seed {
			res, err := m.adapter.Prepare(ctx, cloneResource(spec))
			if err != nil {
				return fmt.Errorf("prepare seed %q: %w", spec.Name(), err)
			}
			m.items[res.Name()] = res
		}
		if err := m.persistLocked(); err != nil {
			return err
		}
	} else if err := m.restoreLocked(ctx, loaded); err != nil {
		return err
	}
	m.initDone = true
	m.publishLocked()
	m.log.Debug("resources manager initialised", slog.Int("resources", len(m.items)))
	return nil
}

// Resources implements plugin.ResourcesManager.
func (m *Manager) Resources() *broadcast.Subject[[]plugin.Resource] {
	return m.subject
}

// Create stores a new resource. Names are unique within the manager.
func (m *Manager) Create(ctx context.Context, spec plugin.Resource) (plugin.Resource, error) {
	name := strings.TrimSpace(spec.Name())
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "resource name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[name]; ok {
		return nil, plugin.ResourceConflict(m.opts.ResourceType, name)
	}
	spec = cloneResource(spec)
	spec["name"] = name
	res, err := m.adapter.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	m.items[name] = res
	if err := m.persistLocked(); err != nil {
		delete(m.items, name)
		_ = m.adapter.Release(ctx, res)
		return nil, err
	}
	m.publishLocked()
	m.log.Info("resource created", slog.String("resource", name))
	return cloneResource(res), nil
}

// Delete removes a resource. What its adapter acquired is released only after
// the removal is saved; a failed release is logged.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.items[name]
	if !ok {
		return plugin.ResourceNotFound(m.opts.ResourceType, name)
	}
	delete(m.items, name)
	if err := m.persistLocked(); err != nil {
		m.items[name] = res
		return err
	}
	m.publishLocked()
	m.log.Info("resource deleted", slog.String("resource", name))
	if err := m.adapter.Release(ctx, res); err != nil {
		m.log.Warn("release deleted resource", slog.String("resource", name), slog.Any("error", err))
	}
	return nil
}

// Get returns one resource by name.
func (m *Manager) Get(_ context.Context, name string) (plugin.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.items[name]
	if !ok {
		return nil, plugin.ResourceNotFound(m.opts.ResourceType, name)
	}
	return cloneResource(res), nil
}

// List returns every resource ordered by name.
func (m *Manager) List(context.Context) ([]plugin.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

// Debug implements plugin.ResourcesManager.
func (m *Manager) Debug() plugin.DescribeTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make(plugin.DescribeTable, 0, len(m.items))
	for _, res := range m.snapshotLocked() {
		names = append(names, plugin.DescribeRow{Key: res.Name()})
	}
	return plugin.DescribeTable{
		{Key: "Data Path", Value: m.opts.DataPath},
		{Key: "Resources", Value: strconv.Itoa(len(names)), Table: names},
	}
}

func (m *Manager) snapshotLocked() []plugin.Resource {
	out := make([]plugin.Resource, 0, len(m.items))
	for _, res := range m.items {
		out = append(out, cloneResource(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) publishLocked() {
	m.subject.Publish(m.snapshotLocked())
}

func (m *Manager) load() ([]plugin.Resource, error) {
	raw, err := os.ReadFile(filepath.Join(m.opts.DataPath, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read resources")
	}
	out := []plugin.Resource{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode resources")
	}
	return out, nil
}

// restoreLocked hands every loaded resource back to the adapter. A failure
// releases the resources restored so far.
func (m *Manager) restoreLocked(ctx context.Context, loaded []plugin.Resource) error {
	restored := make([]plugin.Resource, 0, len(loaded))
	for _, res := range loaded {
		if err := m.adapter.Restore(ctx, res); err != nil {
			for _, done := range restored {
				_ = m.adapter.Release(ctx, done)
			}
			return fmt.Errorf("restore %q: %w", res.Name(), err)
		}
		restored = append(restored, res)
	}
	for _, res := range restored {
		m.items[res.Name()] = res
	}
	return nil
}

func (m *Manager) persistLocked() error {
	raw, err := json.MarshalIndent(m.snapshotLocked(), "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode resources")
	}
	path := filepath.Join(m.opts.DataPath, stateFile)
	tmp, err := os.CreateTemp(m.opts.DataPath, ".resources-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write resources")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write resources")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write resources")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write resources")
	}
	return nil
}

func cloneResource(r plugin.Resource) plugin.Resource {
	out := make(plugin.Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
