package resources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

type countingAdapter struct {
	prepared    int
	released    []string
	restored    []string
	fail        error
	restoreFail string
}

func (a *countingAdapter) Prepare(_ context.Context, spec plugin.Resource) (plugin.Resource, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	a.prepared++
	spec["prepared"] = true
	return spec, nil
}

func (a *countingAdapter) Release(_ context.Context, res plugin.Resource) error {
	a.released = append(a.released, res.Name())
	return nil
}

func (a *countingAdapter) Restore(_ context.Context, res plugin.Resource) error {
	if res.Name() == a.restoreFail {
		return errors.New("port taken")
	}
	a.restored = append(a.restored, res.Name())
	return nil
}

func newTestManager(t *testing.T, dir string, adapter Adapter, seed ...plugin.Resource) *Manager {
	t.Helper()
	return New(plugin.ManagerOptions{
		Plugin:       "test",
		ResourceType: "thing",
		DataPath:     dir,
		Logger:       logger.Discard(),
	}, adapter, seed...)
}

func TestManagerSeedsAndPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	adapter := &countingAdapter{}
	m := newTestManager(t, dir, adapter, plugin.Resource{"name": "b"}, plugin.Resource{"name": "a"})
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	snapshot, ok := m.Resources().Latest()
	if !ok || len(snapshot) != 2 || snapshot[0].Name() != "a" {
		t.Fatalf("unexpected first snapshot %v", snapshot)
	}

	if _, err := m.Create(ctx, plugin.Resource{"name": " c ", "kind": "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(adapter.released) != 1 || adapter.released[0] != "a" {
		t.Fatalf("expected release of a, got %v", adapter.released)
	}

	reopened := newTestManager(t, dir, &countingAdapter{}, plugin.Resource{"name": "ignored"})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	list, _ := reopened.List(ctx)
	if len(list) != 2 || list[0].Name() != "b" || list[1].Name() != "c" {
		t.Fatalf("unexpected persisted resources %v", list)
	}
	if list[1]["prepared"] != true {
		t.Fatalf("prepared fields must persist: %v", list[1])
	}
}

func TestManagerErrors(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, t.TempDir(), nil)
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.Create(ctx, plugin.Resource{}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := m.Create(ctx, plugin.Resource{"name": "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, plugin.Resource{"name": "x"}); !errors.Is(err, plugin.ErrResourceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := m.Delete(ctx, "missing"); !errors.Is(err, plugin.ErrResourceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, plugin.ErrResourceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerInitFailsOnBadSeed(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, t.TempDir(), &countingAdapter{fail: errors.New("unreachable")}, plugin.Resource{"name": "x"})
	if err := m.Init(context.Background()); err == nil {
		t.Fatalf("expected seed failure")
	}
	if _, ok := m.Resources().Latest(); ok {
		t.Fatalf("nothing must be published before a successful Init")
	}
}

func TestManagerPublishesEveryChange(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, t.TempDir(), nil)
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	sub := m.Resources().Subscribe()
	defer sub.Cancel()

	if first := receive(t, sub.C()); len(first) != 0 {
		t.Fatalf("expected empty replay, got %v", first)
	}
	if _, err := m.Create(ctx, plugin.Resource{"name": "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if next := receive(t, sub.C()); len(next) != 1 {
		t.Fatalf("expected one resource, got %v", next)
	}
	if row, ok := m.Debug().Lookup("Resources"); !ok || row.Value != "1" {
		t.Fatalf("unexpected debug %v", m.Debug())
	}
}

func TestManagerRestoresLoadedResources(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	first := newTestManager(t, dir, &countingAdapter{})
	if err := first.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, err := first.Create(ctx, plugin.Resource{"name": name}); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}

	adapter := &countingAdapter{}
	reopened := newTestManager(t, dir, adapter)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	if len(adapter.restored) != 2 || adapter.prepared != 0 {
		t.Fatalf("expected both resources restored without prepare, got %v (prepared %d)", adapter.restored, adapter.prepared)
	}

	failing := &countingAdapter{restoreFail: "b"}
	broken := newTestManager(t, dir, failing)
	if err := broken.Init(ctx); err == nil {
		t.Fatalf("expected restore failure")
	}
	if len(failing.released) != len(failing.restored) {
		t.Fatalf("restored resources must be released on failure: restored %v released %v", failing.restored, failing.released)
	}
	if _, ok := broken.Resources().Latest(); ok {
		t.Fatalf("nothing must be published when restore fails")
	}
}

func TestManagerDeleteKeepsResourceWhenSaveFails(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	adapter := &countingAdapter{}
	m := newTestManager(t, dir, adapter)
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.Create(ctx, plugin.Resource{"name": "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A plain file in place of the data path makes every save fail.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove data path: %v", err)
	}
	if err := os.WriteFile(dir, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if err := m.Delete(ctx, "x"); err == nil {
		t.Fatalf("expected save failure")
	}
	if len(adapter.released) != 0 {
		t.Fatalf("resource must keep its allocations when the save fails, released %v", adapter.released)
	}
	if _, err := m.Get(ctx, "x"); err != nil {
		t.Fatalf("resource must survive a failed delete: %v", err)
	}

	if err := os.Remove(dir); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("recreate data path: %v", err)
	}
	if err := m.Delete(ctx, "x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(adapter.released) != 1 || adapter.released[0] != "x" {
		t.Fatalf("expected release after a saved delete, got %v", adapter.released)
	}
}

func receive(t *testing.T, ch <-chan []plugin.Resource) []plugin.Resource {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return nil
}
