package plugin

import (
	"fmt"
	"slices"
	"strings"
)

// CycleError reports a dependency cycle. Cycle starts and ends with the same
// plugin name.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// graph is a directed graph where an edge P -> D means P depends on D.
type graph struct {
	edges map[string]map[string]struct{}
}

func newGraph() *graph {
	return &graph{edges: make(map[string]map[string]struct{})}
}

func (g *graph) addVertex(name string) {
	if _, ok := g.edges[name]; !ok {
		g.edges[name] = make(map[string]struct{})
	}
}

func (g *graph) addEdge(from, to string) {
	g.addVertex(from)
	g.addVertex(to)
	g.edges[from][to] = struct{}{}
}

func (g *graph) sortedVertices() []string {
	out := make([]string, 0, len(g.edges))
	for v := range g.edges {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (g *graph) neighbours(v string) []string {
	out := make([]string, 0, len(g.edges[v]))
	for n := range g.edges[v] {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

const (
	unvisited = iota
	visiting
	visited
)

// topoSort returns every vertex with dependencies before dependents. Vertices
// and neighbours are visited in sorted order, so the result is deterministic.
func (g *graph) topoSort() ([]string, error) {
	state := make(map[string]int, len(g.edges))
	order := make([]string, 0, len(g.edges))
	var stack []string

	var visit func(v string) error
	visit = func(v string) error {
		switch state[v] {
		case visited:
			return nil
		case visiting:
			start := slices.Index(stack, v)
			cycle := append(slices.Clone(stack[start:]), v)
			return &CycleError{Cycle: cycle}
		}
		state[v] = visiting
		stack = append(stack, v)
		for _, n := range g.neighbours(v) {
			if err := visit(n); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[v] = visited
		order = append(order, v)
		return nil
	}

	for _, v := range g.sortedVertices() {
		if err := visit(v); err != nil {
			return nil, err
		}
	}
	return order, nil
}
