package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// graphNode is one job's position in the dependency graph.
type graphNode struct {
	id   string
	deps []string
}

// dependencyGraph is the validated dependency relation of a plan.
// Node order is the order jobs were added to the builder.
type dependencyGraph struct {
	// order lists job IDs in insertion order
	order []string

	// index maps job IDs to their insertion position
	index map[string]int

	// dependencies maps job IDs to the jobs they wait for
	dependencies map[string][]string

	// dependents maps job IDs to the jobs waiting for them, in insertion order
	dependents map[string][]string

	// levels groups job IDs by longest distance from a root
	levels [][]string
}

// buildGraph validates nodes and computes execution levels with Kahn's algorithm.
func buildGraph(nodes []graphNode) (*dependencyGraph, error) {
	g := &dependencyGraph{
		order:        make([]string, 0, len(nodes)),
		index:        make(map[string]int, len(nodes)),
		dependencies: make(map[string][]string, len(nodes)),
		dependents:   make(map[string][]string, len(nodes)),
	}

	// First pass: index all jobs
	for i, n := range nodes {
		if n.id == "" {
			return nil, NewValidationError(fmt.Sprintf("job at position %d has empty ID", i))
		}
		if _, exists := g.index[n.id]; exists {
			return nil, NewValidationError(fmt.Sprintf("duplicate job ID: %s", n.id)).
				WithCode(ErrCodeDuplicateJob).
				WithJob(n.id)
		}
		g.index[n.id] = i
		g.order = append(g.order, n.id)
	}

	// Second pass: validate and record edges
	for _, n := range nodes {
		seen := make(map[string]bool, len(n.deps))
		deps := make([]string, 0, len(n.deps))
		for _, dep := range n.deps {
			if _, exists := g.index[dep]; !exists {
				return nil, NewError(KindJobValidation,
					fmt.Sprintf("job %s depends on non-existent job %s", n.id, dep),
					NewError(KindJobNotFound, dep, nil)).
					WithCode(ErrCodeMissingJob).
					WithJob(n.id).
					WithDetail("dependency", dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		g.dependencies[n.id] = deps
	}
	for _, id := range g.order {
		for _, dep := range g.dependencies[id] {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// computeLevels runs Kahn's algorithm level by level. Nodes left over when
// no zero in-degree node remains form or feed a cycle.
func (g *dependencyGraph) computeLevels() error {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		g.sortByOrder(next)
		current = next
	}

	if processed != len(g.order) {
		remaining := make([]string, 0, len(g.order)-processed)
		for _, id := range g.order {
			if inDegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return NewError(KindJobValidation,
			fmt.Sprintf("circular dependency detected among jobs: %s", strings.Join(remaining, ", ")),
			NewError(KindDependencyCycle, formatCycle(g.findCycle(remaining)), nil)).
			WithCode(ErrCodeCycle).
			WithDetail("remaining", remaining)
	}
	return nil
}

// findCycle returns one cycle among the remaining nodes, for error messages.
func (g *dependencyGraph) findCycle(remaining []string) []string {
	inRemaining := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		inRemaining[id] = true
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range g.dependencies[id] {
			if !inRemaining[dep] {
				continue
			}
			if onStack[dep] {
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, id := range remaining {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

func (g *dependencyGraph) sortByOrder(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.index[ids[i]] < g.index[ids[j]]
	})
}

// descendants returns every job that transitively depends on id.
func (g *dependencyGraph) descendants(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	g.sortByOrder(out)
	return out
}

// toDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *dependencyGraph) toDOT(name string, labels map[string]string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := id
			if l := labels[id]; l != "" && l != id {
				label = id + "\n" + l
			}
			fmt.Fprintf(&sb, "    %q [label=%q];\n", id, label)
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, dep := range g.dependencies[id] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return "cycle"
	}
	return strings.Join(cycle, " -> ")
}
