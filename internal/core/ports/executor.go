// Package ports defines the core interfaces for the application.
package ports

import (
	"context"
	"io"

	"go.trai.ch/e3/internal/core/domain"
)

// TaskRunOptions configures one task execution (component H).
type TaskRunOptions struct {
	Stdout     io.Writer
	Stderr     io.Writer
	Env        []string
	WorkingDir string
}

// TaskResultKind tags the variant returned by TaskRunner.Execute.
type TaskResultKind string

const (
	TaskResultSuccess TaskResultKind = "success"
	TaskResultFailed  TaskResultKind = "failed"
	TaskResultError   TaskResultKind = "error"
)

// TaskResult is the outcome of one task execution.
type TaskResult struct {
	Kind       TaskResultKind
	OutputHash domain.Hash // TaskResultSuccess
	ExitCode   int         // TaskResultFailed
	Message    string      // TaskResultError
}

// TaskRunner drives task execution (component H). Implementations fetch the
// task's command IR and input values from the object store by hash, run
// the task, and write its output back to the object store. Execute must
// honour ctx cancellation by terminating the underlying work and returning
// TaskResultError{Message: "cancelled"}.
//
//go:generate go run go.uber.org/mock/mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks
type TaskRunner interface {
	Execute(ctx context.Context, taskHash domain.Hash, inputHashes []domain.Hash, opts TaskRunOptions) (TaskResult, error)
}
