package domain_test

import (
	"testing"

	"go.trai.ch/zerr"

	"go.trai.ch/e3/internal/core/domain"
)

func gt(name string, output string, deps ...string) domain.GraphTask {
	depNames := make([]domain.InternedString, len(deps))
	for i, d := range deps {
		depNames[i] = domain.NewInternedString(d)
	}
	return domain.GraphTask{
		Task: domain.Task{
			Name:   domain.NewInternedString(name),
			Output: domain.ParseDotted(output),
		},
		Dependencies: depNames,
	}
}

func TestDataflowGraph_AddTask(t *testing.T) {
	g := domain.NewDataflowGraph()
	task := gt("task1", "outputs.a")

	if err := g.AddTask(task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := g.AddTask(task); err == nil {
		t.Error("expected error when adding duplicate task, got nil")
	} else if _, ok := err.(*zerr.Error); !ok {
		t.Errorf("expected *zerr.Error, got %T", err)
	}
}

func TestDataflowGraph_AddTask_OutputConflict(t *testing.T) {
	g := domain.NewDataflowGraph()
	if err := g.AddTask(gt("task1", "outputs.a")); err != nil {
		t.Fatalf("failed to add task1: %v", err)
	}

	err := g.AddTask(gt("task2", "outputs.a"))
	if err == nil {
		t.Fatal("expected output path conflict, got nil")
	}
}

func TestDataflowGraph_Validate_Cycle(t *testing.T) {
	g := domain.NewDataflowGraph()
	taskA := gt("A", "outputs.a", "B")
	taskB := gt("B", "outputs.b", "A")

	if err := g.AddTask(taskA); err != nil {
		t.Fatalf("failed to add task A: %v", err)
	}
	if err := g.AddTask(taskB); err != nil {
		t.Fatalf("failed to add task B: %v", err)
	}

	err := g.Validate()
	if err == nil {
		t.Fatal("expected error for cycle, got nil")
	}
	if _, ok := err.(*zerr.Error); !ok {
		t.Fatalf("expected *zerr.Error, got %T", err)
	}
}

func TestDataflowGraph_Walk(t *testing.T) {
	g := domain.NewDataflowGraph()
	// A depends on B, B depends on C. Execution order: C, B, A.
	taskA := gt("A", "outputs.a", "B")
	taskB := gt("B", "outputs.b", "C")
	taskC := gt("C", "outputs.c")

	for _, task := range []domain.GraphTask{taskA, taskB, taskC} {
		if err := g.AddTask(task); err != nil {
			t.Fatalf("failed to add task %s: %v", task.Name.String(), err)
		}
	}

	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	executed := make([]string, 0, 3)
	for task := range g.Walk() {
		executed = append(executed, task.Name.String())
	}

	if len(executed) != 3 {
		t.Fatalf("expected 3 tasks executed, got %d", len(executed))
	}
	if executed[0] != "C" || executed[1] != "B" || executed[2] != "A" {
		t.Errorf("unexpected execution order: %v", executed)
	}
}

func TestDataflowGraph_TransitiveDependents(t *testing.T) {
	g := domain.NewDataflowGraph()
	taskA := gt("A", "outputs.a", "B")
	taskB := gt("B", "outputs.b", "C")
	taskC := gt("C", "outputs.c")

	for _, task := range []domain.GraphTask{taskA, taskB, taskC} {
		if err := g.AddTask(task); err != nil {
			t.Fatalf("failed to add task %s: %v", task.Name.String(), err)
		}
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	deps := g.TransitiveDependents(domain.NewInternedString("C"))
	if len(deps) != 2 {
		t.Fatalf("expected 2 transitive dependents of C, got %d: %v", len(deps), deps)
	}
}
