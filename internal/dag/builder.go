// Package dag builds the dependency graph a run executes over.
package dag

import (
	"sort"

	"maestro/internal/errors"
	"maestro/internal/plan"
)

// Graph is the frozen output of Build: an edge from A to B means "B depends
// on A; completing A may unlock B". Callers must not mutate it after the
// scheduler ingests it.
type Graph struct {
	Forward      map[string][]string
	InDegree     map[string]int
	InitialReady []string
}

// Build validates dependencies and returns the forward adjacency list,
// in-degrees and initial ready set for the task list.
func Build(tasks []plan.Task) (*Graph, error) {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}

	g := &Graph{
		Forward:  make(map[string][]string, len(tasks)),
		InDegree: make(map[string]int, len(tasks)),
	}
	for _, task := range tasks {
		g.InDegree[task.ID] = 0
	}
	for _, task := range tasks {
		for _, dep := range task.Deps {
			if !known[dep] {
				return nil, errors.NewValidation("deps", "unknown_dependency: task %q depends on %q", task.ID, dep)
			}
			g.Forward[dep] = append(g.Forward[dep], task.ID)
			g.InDegree[task.ID]++
		}
	}
	for id := range g.Forward {
		sort.Strings(g.Forward[id])
	}

	// Kahn's algorithm: if a topological order cannot visit every node the
	// plan contains a cycle.
	remaining := make(map[string]int, len(g.InDegree))
	var queue []string
	for id, deg := range g.InDegree {
		remaining[id] = deg
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	g.InitialReady = append([]string(nil), queue...)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range g.Forward[id] {
			remaining[child]--
			if remaining[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(tasks) {
		return nil, errors.NewValidation("deps", "circular_dependency: %d of %d tasks unreachable", len(tasks)-visited, len(tasks))
	}
	return g, nil
}

// Descendants returns every transitive child of the given task.
func (g *Graph) Descendants(taskID string) []string {
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, child := range g.Forward[id] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(taskID)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
