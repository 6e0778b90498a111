// Package graph builds and queries the dependency graph for a workflow.
// The graph itself is immutable after Build; node status lives in the
// session state, not here.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// NodeSpec is the minimal shape Build needs per node.
type NodeSpec struct {
	ID        string
	DependsOn []string
}

// CycleError is a fatal configuration error naming a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is a validated DAG over node ids.
type Graph struct {
	ids        []string
	deps       map[string][]string
	dependents map[string][]string
}

// Build validates the node set and returns a Graph.
// Fails on duplicate ids, references to unknown nodes, and cycles.
// A cycle is reported with *CycleError naming a path on the cycle.
func Build(specs []NodeSpec) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if _, exists := g.deps[s.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %s", s.ID)
		}
		g.deps[s.ID] = append([]string(nil), s.DependsOn...)
		g.ids = append(g.ids, s.ID)
	}
	sort.Strings(g.ids)
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := g.deps[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s", s.ID, dep)
			}
			if dep == s.ID {
				return nil, &CycleError{Path: []string{s.ID, s.ID}}
			}
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	for _, id := range g.ids {
		sort.Strings(g.dependents[id])
	}
	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// findCycle runs Kahn's algorithm; if any node survives, walks the
// remainder with DFS to name a concrete cycle path.
func (g *Graph) findCycle() []string {
	inDeg := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		inDeg[id] = len(g.deps[id])
	}
	var queue []string
	for _, id := range g.ids {
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[id] {
			inDeg[dep]--
			if inDeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed == len(g.ids) {
		return nil
	}
	// Some node is on or downstream of a cycle; follow deps among the
	// remainder until a node repeats.
	remaining := make(map[string]bool)
	for id, deg := range inDeg {
		if deg > 0 {
			remaining[id] = true
		}
	}
	var start string
	for _, id := range g.ids {
		if remaining[id] {
			start = id
			break
		}
	}
	seen := map[string]int{}
	var path []string
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			cycle := append([]string(nil), path[pos:]...)
			return append(cycle, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, dep := range g.deps[cur] {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable for a true cycle remainder.
			return path
		}
		cur = next
	}
}

// IDs returns all node ids in ascending order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Deps returns the direct dependencies of a node.
func (g *Graph) Deps(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Has reports whether the graph contains the node.
func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// ReadySet returns, in ascending id order, every node whose dependencies
// are all in completed and for which eligible returns true. Idempotent
// and side-effect-free.
func (g *Graph) ReadySet(completed map[string]bool, eligible func(id string) bool) []string {
	var ready []string
	for _, id := range g.ids {
		if completed[id] {
			continue
		}
		if eligible != nil && !eligible(id) {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Dependents returns the direct dependents of a node, ascending.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every node downstream of id, ascending.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
