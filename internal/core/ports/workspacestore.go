package ports

import (
	"io"

	"go.trai.ch/e3/internal/core/domain"
)

// WorkspaceStore is the workspace model (component E): a named, mutable
// persistent tree of DataRefs whose shape is fixed by the deployed package.
//
//go:generate go run go.uber.org/mock/mockgen -source=workspacestore.go -destination=mocks/mock_workspacestore.go -package=mocks
type WorkspaceStore interface {
	// Create writes an empty workspace directory; no state file yet.
	Create(name string) error

	// Deploy resolves pkgRef, computes the initial root tree (package
	// datasets with input defaults carried over and outputs unassigned),
	// writes it, and atomically writes the state file. Callers must hold
	// the workspace lock under LockOperationDeployment.
	Deploy(name, pkgRef string) (domain.WorkspaceState, error)

	// GetState reads the workspace's state file.
	GetState(name string) (domain.WorkspaceState, error)

	// List returns the name of every workspace, for the garbage
	// collector's live-set computation.
	List() ([]string, error)

	// SetRoot atomically updates the state file's root hash and timestamp.
	SetRoot(name string, newRoot domain.Hash) error

	// Remove deletes the workspace. Callers must hold the workspace lock
	// under LockOperationRemoval.
	Remove(name string) error

	// Export packages the current root tree and every blob reachable
	// from it into a self-contained zip written to w.
	Export(name string, w io.Writer) error
}
