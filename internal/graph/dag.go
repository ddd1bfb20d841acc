// Package graph provides the immutable in-memory representation of a
// declared workflow: tasks keyed by ID, dependency edges, topological
// analysis, cycle detection, and a deterministic fingerprint.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Node is one task within the graph, identified by a unique ID with the
// set of task IDs it directly depends on. Fingerprint is a caller-
// supplied stable hash of the task's own definition (retry policy,
// trigger rule, code identity) so that changing a task's behavior
// changes the workflow fingerprint even if the topology doesn't move.
type Node struct {
	ID           string
	Dependencies []string
	Fingerprint  string
}

// Graph is the validated, immutable DAG for one workflow version.
type Graph struct {
	name        string
	nodes       map[string]Node
	dependents  map[string][]string // reverse edges
	order       []string            // topological order, computed once
	configBlob  string
}

// Build validates nodes and configBlob and returns an immutable Graph.
// Construction fails if any dependency references an unknown task ID,
// the edge set contains a cycle, or task IDs are not unique.
func Build(name string, nodes []Node, configBlob string) (*Graph, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, exists := byID[n.ID]; exists {
			return nil, fmt.Errorf("graph: duplicate task id %q", n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("graph: task %q depends on unknown task %q", n.ID, dep)
			}
		}
	}

	dependents := make(map[string][]string, len(byID))
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	order, err := topologicalOrder(byID)
	if err != nil {
		return nil, err
	}

	return &Graph{
		name:       name,
		nodes:      byID,
		dependents: dependents,
		order:      order,
		configBlob: configBlob,
	}, nil
}

// topologicalOrder runs Kahn's algorithm and returns an error describing
// a cycle if one remains after all zero-indegree nodes are exhausted.
func topologicalOrder(byID map[string]Node) ([]string, error) {
	indegree := make(map[string]int, len(byID))
	for id := range byID {
		indegree[id] = 0
	}
	for _, n := range byID {
		for range n.Dependencies {
			indegree[n.ID]++
		}
	}

	// deterministic starting frontier
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	dependents := make(map[string][]string, len(byID))
	for _, n := range byID {
		for _, dep := range n.Dependencies {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	for _, ds := range dependents {
		sort.Strings(ds)
	}

	order := make([]string, 0, len(byID))
	for len(frontier) > 0 {
		// pop smallest for determinism
		sort.Strings(frontier)
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				frontier = append(frontier, d)
			}
		}
	}

	if len(order) != len(byID) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("graph: cycle detected among tasks: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Roots returns task IDs with no dependencies, in deterministic order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.nodes[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns task IDs with no dependents, in deterministic order.
func (g *Graph) Leaves() []string {
	var leaves []string
	for _, id := range g.order {
		if len(g.dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// DependentsOf returns the task IDs that directly depend on id.
func (g *Graph) DependentsOf(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// DependenciesOf returns the task IDs that id directly depends on.
func (g *Graph) DependenciesOf(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, len(n.Dependencies))
	copy(out, n.Dependencies)
	return out
}

// TopologicalOrder returns all task IDs such that every task appears
// after each of its dependencies.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ExecutionLevels groups tasks into batches that are safe to run in
// parallel: level i contains every task whose dependencies are all in
// levels < i.
func (g *Graph) ExecutionLevels() [][]string {
	level := make(map[string]int, len(g.order))
	maxLevel := 0
	for _, id := range g.order {
		l := 0
		for _, dep := range g.nodes[id].Dependencies {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	return levels
}

// Has reports whether id names a task in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// TaskIDs returns every task ID in the graph, sorted.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint is a stable hash of { sorted task IDs, each task's
// fingerprint, sorted edges, configuration blob }. Changing any of
// these changes the fingerprint deterministically; it is the
// workflow's version identity.
func (g *Graph) Fingerprint() string {
	var b strings.Builder

	ids := g.TaskIDs()
	for _, id := range ids {
		n := g.nodes[id]
		b.WriteString(id)
		b.WriteByte('\x00')
		b.WriteString(n.Fingerprint)
		b.WriteByte('\x00')

		deps := make([]string, len(n.Dependencies))
		copy(deps, n.Dependencies)
		sort.Strings(deps)
		b.WriteString(strings.Join(deps, ","))
		b.WriteByte('\x1e')
	}
	b.WriteByte('\x02')
	b.WriteString(g.configBlob)

	sum := xxhash.Sum64String(b.String())
	return strconv.FormatUint(sum, 16)
}

// Name returns the workflow name this graph was built for.
func (g *Graph) Name() string { return g.name }
