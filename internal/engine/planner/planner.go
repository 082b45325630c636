// Package planner implements the dataflow planner (component I): turning a
// loaded package's task map into a DataflowGraph with dependency edges and
// a content hash the scheduler uses to key persisted state and detect
// drift on resume.
package planner

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

// Planner builds a DataflowGraph from a package, consulting the dataset
// tree to reject inputs that address nothing the package declares.
type Planner struct {
	trees ports.TreeStore
}

// New creates a Planner.
func New(trees ports.TreeStore) *Planner {
	return &Planner{trees: trees}
}

// Plan enumerates pkg's tasks, computes each task's content hash, derives
// dependency edges from TreePath overlap between one task's inputs and
// every other task's output, and validates the result for cycles.
//
// A task u depends on task t iff one of u's inputs overlaps t's output
// (equal to, a prefix of, or a descendant of it, per TreePath.Overlaps).
// An input that addresses neither another task's output nor a path
// reachable under the package's declared dataset tree is ErrUnknownInputPath.
func (p *Planner) Plan(pkg domain.Package) (*domain.DataflowGraph, error) {
	names := make([]string, 0, len(pkg.Tasks))
	for name := range pkg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	graph := domain.NewDataflowGraph()
	for _, name := range names {
		task := pkg.Tasks[name]
		taskHash, err := taskHashOf(task)
		if err != nil {
			return nil, err
		}
		deps, err := p.dependenciesOf(pkg, task, names)
		if err != nil {
			return nil, err
		}
		gt := domain.GraphTask{Task: task, TaskHash: taskHash, Dependencies: deps}
		if err := graph.AddTask(gt); err != nil {
			return nil, err
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}
	graph.SetHash(hashGraph(graph))
	return graph, nil
}

// taskHashOf re-derives a task's content hash from its canonical wire
// encoding, the same encoding the package loader hashed when the task
// object was first written to the object store.
func taskHashOf(t domain.Task) (domain.Hash, error) {
	raw, err := packageloader.EncodeTask(t)
	if err != nil {
		return domain.ZeroHash, err
	}
	return hashutil.DigestBytes(raw), nil
}

func (p *Planner) dependenciesOf(pkg domain.Package, task domain.Task, allNames []string) ([]domain.InternedString, error) {
	var deps []domain.InternedString
	for _, input := range task.Inputs {
		if err := p.checkInputKnown(pkg, task, input, allNames); err != nil {
			return nil, err
		}
	}
	for _, otherName := range allNames {
		if otherName == task.Name.String() {
			continue
		}
		other := pkg.Tasks[otherName]
		if dependsOn(task, other) {
			deps = append(deps, other.Name)
		}
	}
	return deps, nil
}

func dependsOn(u, t domain.Task) bool {
	for _, input := range u.Inputs {
		if input.Overlaps(t.Output) {
			return true
		}
	}
	return false
}

// checkInputKnown rejects an input path that resolves to nothing: it must
// either overlap some task's declared output, or be reachable under the
// package's dataset tree.
func (p *Planner) checkInputKnown(pkg domain.Package, task domain.Task, input domain.TreePath, allNames []string) error {
	for _, otherName := range allNames {
		other := pkg.Tasks[otherName]
		if other.Name == task.Name {
			continue
		}
		if input.Overlaps(other.Output) {
			return nil
		}
	}
	if _, err := p.trees.Walk(pkg.DatasetsRoot, input); err != nil {
		return domain.WithFields(domain.ErrUnknownInputPath,
			"task", task.Name.String(), "input", input.Dotted())
	}
	return nil
}

// hashGraph computes a cheap, deterministic fingerprint of the graph's
// task names, task hashes and dependency edges, used to detect drift
// between a persisted execution state and a freshly replanned graph.
func hashGraph(g *domain.DataflowGraph) domain.Hash {
	type wireTask struct {
		Name         string   `json:"name"`
		TaskHash     string   `json:"taskHash"`
		Dependencies []string `json:"dependencies"`
	}
	var tasks []wireTask
	for t := range g.Walk() {
		deps := make([]string, len(t.Dependencies))
		for i, d := range t.Dependencies {
			deps[i] = d.String()
		}
		sort.Strings(deps)
		tasks = append(tasks, wireTask{Name: t.Name.String(), TaskHash: t.TaskHash.String(), Dependencies: deps})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	raw, _ := json.Marshal(tasks)
	return domain.Hash(fmt.Sprintf("%016x", hashutil.QuickDigestBytes(raw)))
}
