package ports

import "go.trai.ch/e3/internal/core/domain"

// StateStore persists a dataflow execution's state (component J). The
// scheduler persists after every event append; two backends satisfy this
// interface, a durable one (bbolt, one DB per repo) and an in-memory one
// used by tests.
//
//go:generate go run go.uber.org/mock/mockgen -source=statestore.go -destination=mocks/mock_statestore.go -package=mocks
type StateStore interface {
	// Load returns the most recently persisted state for (repo, workspace).
	// Returns nil, nil if no execution has ever been persisted.
	Load(repo, workspace string) (*domain.DataflowExecutionState, error)

	// Save persists state, overwriting whatever was previously stored for
	// (state.Repo, state.Workspace).
	Save(state *domain.DataflowExecutionState) error
}
