// Package graph builds and validates the task dependency graph.
//
// Only task-name dependencies become edges. File and output dependencies are
// staleness inputs and never make a task wait on another.
package graph

import (
	"sort"

	"github.com/mattjoyce/trellis/internal/task"
)

// Set is a set of task names.
type Set map[string]struct{}

// NewSet returns a set holding names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts name.
func (s Set) Add(name string) { s[name] = struct{}{} }

// Graph is an immutable, validated DAG of tasks. Safe for concurrent reads.
type Graph struct {
	tasks      map[string]task.Task
	names      []string            // sorted
	deps       map[string][]string // name -> task deps, sorted, deduplicated
	dependents map[string][]string // name -> direct dependents, sorted
	order      []string
}

// Build validates tasks and returns their graph.
//
// It fails with UnknownDependencyError when a task names a missing task and
// with CyclicDependencyError when task-ordering edges form a cycle.
func Build(tasks []task.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	g := &Graph{
		tasks:      make(map[string]task.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		if err := task.ValidateName(t.Name); err != nil {
			return nil, invalidf("%v", err)
		}
		if _, exists := g.tasks[t.Name]; exists {
			return nil, invalidf("duplicate task name %q", t.Name)
		}
		g.tasks[t.Name] = t
		g.names = append(g.names, t.Name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		seen := make(map[string]bool)
		var deps []string
		for _, d := range g.tasks[name].TaskDeps {
			if _, ok := g.tasks[d]; !ok {
				return nil, &UnknownDependencyError{Task: name, Name: d}
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			deps = append(deps, d)
		}
		sort.Strings(deps)
		g.deps[name] = deps
		for _, d := range deps {
			g.dependents[d] = append(g.dependents[d], name)
		}
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}
	g.order = g.topoOrder()
	return g, nil
}

// findCycle runs a three-colour depth-first search over dependency edges in
// name order and returns one cycle, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.names))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, d := range g.deps[name] {
			switch color[d] {
			case white:
				if visit(d) {
					return true
				}
			case gray:
				// Back edge name -> d: the cycle is d ... name -> d on the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == d {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, d)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range g.names {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm with name order as the tie-breaker.
func (g *Graph) topoOrder() []string {
	indeg := make(map[string]int, len(g.names))
	for _, name := range g.names {
		indeg[name] = len(g.deps[name])
	}

	var ready []string
	for _, name := range g.names {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}

	out := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return out
}

// ReadySet returns, sorted by name, the tasks whose dependencies are all in
// completed and which are neither completed nor claimed. Claimed holds tasks
// that are running or otherwise settled (failed, skipped).
//
// It is a pure function of its arguments.
func (g *Graph) ReadySet(completed, claimed Set) []string {
	var ready []string
	for _, name := range g.names {
		if completed.Has(name) || claimed.Has(name) {
			continue
		}
		ok := true
		for _, d := range g.deps[name] {
			if !completed.Has(d) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Task returns the task called name.
func (g *Graph) Task(name string) (task.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.names) }

// Names returns all task names, sorted.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// TopologicalOrder returns a deterministic order in which every task follows
// its dependencies.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the direct task dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the tasks that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Descendants returns every task that transitively depends on name, sorted.
func (g *Graph) Descendants(name string) []string {
	seen := NewSet()
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen.Has(n) {
			continue
		}
		seen.Add(n)
		queue = append(queue, g.dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Select returns the subgraph holding targets and everything they
// transitively depend on. An empty target list selects the whole graph.
func (g *Graph) Select(targets []string) (*Graph, error) {
	if len(targets) == 0 {
		return g, nil
	}

	keep := NewSet()
	var walk func(name string)
	walk = func(name string) {
		if keep.Has(name) {
			return
		}
		keep.Add(name)
		for _, d := range g.deps[name] {
			walk(d)
		}
	}
	for _, t := range targets {
		if _, ok := g.tasks[t]; !ok {
			return nil, invalidf("unknown target %q", t)
		}
		walk(t)
	}

	tasks := make([]task.Task, 0, len(keep))
	for _, name := range g.names {
		if keep.Has(name) {
			tasks = append(tasks, g.tasks[name])
		}
	}
	return Build(tasks)
}
