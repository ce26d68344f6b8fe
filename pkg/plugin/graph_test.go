package plugin

import (
	"errors"
	"reflect"
	"testing"
)

func TestTopoSortPutsDependenciesFirst(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.addEdge("wallet", "network")
	g.addEdge("explorer", "network")
	g.addEdge("explorer", "wallet")
	g.addVertex("metrics")

	order, err := g.topoSort()
	if err != nil {
		t.Fatalf("topoSort: %v", err)
	}
	want := []string{"network", "wallet", "explorer", "metrics"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("unexpected order %v, want %v", order, want)
	}

	again, _ := g.topoSort()
	if !reflect.DeepEqual(order, again) {
		t.Fatalf("order must be deterministic: %v vs %v", order, again)
	}
}

func TestTopoSortReportsCyclePath(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.addEdge("a", "b")
	g.addEdge("b", "c")
	g.addEdge("c", "a")

	_, err := g.topoSort()
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycle.Cycle, []string{"a", "b", "c", "a"}) {
		t.Fatalf("unexpected cycle %v", cycle.Cycle)
	}
}

func TestTopoSortSelfLoop(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.addEdge("a", "a")
	if _, err := g.topoSort(); err == nil {
		t.Fatalf("expected self loop to be a cycle")
	}
}
