// Package domain contains E3's core types: content-addressed hashes, tree
// paths, data refs, packages, workspace and lock state, execution records,
// and the dataflow graph and execution state machine built from them.
package domain

import (
	"iter"
	"slices"
)

// GraphTask is a package Task enriched with the dependency edges the
// planner (component I) derives from TreePath overlap between this task's
// inputs and every other task's output, plus the task's content hash.
type GraphTask struct {
	Task
	TaskHash     Hash
	Dependencies []InternedString
}

// DataflowGraph is the planner's output: every task in a package, ordered
// deterministically, with dependency edges and a content hash used by the
// scheduler to key state persistence and detect drift on resume.
type DataflowGraph struct {
	tasks          map[InternedString]GraphTask
	executionOrder []InternedString
	dependents     map[InternedString][]InternedString
	hash           Hash
}

// NewDataflowGraph creates an empty graph.
func NewDataflowGraph() *DataflowGraph {
	return &DataflowGraph{
		tasks: make(map[InternedString]GraphTask),
	}
}

// AddTask adds a task to the graph. It returns ErrOutputPathConflict if
// another task already declared the same output path.
func (g *DataflowGraph) AddTask(t GraphTask) error {
	if _, exists := g.tasks[t.Name]; exists {
		return WithField(ErrAlreadyExists, "task_name", t.Name.String())
	}
	for _, existing := range g.tasks {
		if existing.Output.Equal(t.Output) {
			return WithFields(ErrOutputPathConflict,
				"output", t.Output.Dotted(),
				"task_a", existing.Name.String(),
				"task_b", t.Name.String())
		}
	}
	g.tasks[t.Name] = t
	return nil
}

// SetHash records the graph's content hash.
func (g *DataflowGraph) SetHash(h Hash) {
	g.hash = h
}

// Hash returns the graph's content hash.
func (g *DataflowGraph) Hash() Hash {
	return g.hash
}

// Validate checks for cycles using DFS with path tracking, and on success
// populates the deterministic execution order and the reverse adjacency map.
func (g *DataflowGraph) Validate() error {
	g.executionOrder = make([]InternedString, 0, len(g.tasks))
	g.dependents = g.buildDependentsMap()
	visited := make(map[InternedString]int) // 0: unvisited, 1: visiting, 2: visited
	var path []InternedString

	var visit func(u InternedString) error
	visit = func(u InternedString) error {
		visited[u] = 1
		path = append(path, u)

		task, exists := g.tasks[u]
		if !exists {
			return WithField(ErrInvalid, "dependency", u.String())
		}

		for _, dep := range task.Dependencies {
			if visited[dep] == 1 {
				return g.buildCycleError(path, dep)
			}
			if visited[dep] == 0 {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		visited[u] = 2
		path = path[:len(path)-1]
		g.executionOrder = append(g.executionOrder, u)
		return nil
	}

	// Disconnected components still need deterministic ordering, so sort
	// the starting names before visiting.
	for _, name := range g.getSortedTaskNames() {
		if visited[name] == 0 {
			if err := visit(name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *DataflowGraph) buildDependentsMap() map[InternedString][]InternedString {
	dependents := make(map[InternedString][]InternedString)
	for taskName := range g.tasks {
		task := g.tasks[taskName]
		for _, dep := range task.Dependencies {
			dependents[dep] = append(dependents[dep], task.Name)
		}
	}
	return dependents
}

func (g *DataflowGraph) getSortedTaskNames() []InternedString {
	names := make([]InternedString, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b InternedString) int {
		as, bs := a.String(), b.String()
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	})
	return names
}

func (g *DataflowGraph) buildCycleError(path []InternedString, dep InternedString) error {
	cyclePath := ""
	startIdx := -1
	for i, node := range path {
		if node == dep {
			startIdx = i
			break
		}
	}
	for i := startIdx; i < len(path); i++ {
		cyclePath += path[i].String() + " -> "
	}
	cyclePath += dep.String()
	return WithField(ErrCycle, "cycle", cyclePath)
}

// Walk yields tasks in dependency-respecting execution order. Within one
// scheduler dispatch round, ready tasks are still chosen in insertion
// (lexicographic) order; Walk gives the full topological order used for
// planning and display.
func (g *DataflowGraph) Walk() iter.Seq[GraphTask] {
	return func(yield func(GraphTask) bool) {
		for _, name := range g.executionOrder {
			if !yield(g.tasks[name]) {
				return
			}
		}
	}
}

// Dependents returns the names of tasks that depend directly on task.
func (g *DataflowGraph) Dependents(task InternedString) []InternedString {
	return g.dependents[task]
}

// TaskCount returns the number of tasks in the graph.
func (g *DataflowGraph) TaskCount() int {
	return len(g.tasks)
}

// GetTask retrieves a task by name.
func (g *DataflowGraph) GetTask(name InternedString) (GraphTask, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// TransitiveDependents returns every task reachable by following Dependents
// edges from task, used by the scheduler to cascade a skip to every strict
// downstream consumer of a failed task.
func (g *DataflowGraph) TransitiveDependents(task InternedString) []InternedString {
	seen := make(map[InternedString]bool)
	var out []InternedString
	var visit func(InternedString)
	visit = func(n InternedString) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				visit(d)
			}
		}
	}
	visit(task)
	return out
}
