package statestore

import (
	"sync"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

var _ ports.StateStore = (*Memory)(nil)

// Memory is an in-memory StateStore for tests. It round-trips through the
// same wire representation as FileStore so a Save/Load pair observes the
// same value semantics (no aliasing of the caller's Tasks/Events slices).
type Memory struct {
	mu     sync.Mutex
	states map[string]wireState // key: repo + "/" + workspace
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]wireState)}
}

func (m *Memory) key(repo, workspace string) string {
	return repo + "/" + workspace
}

// Load returns the stored state for (repo, workspace), or nil, nil if none.
func (m *Memory) Load(repo, workspace string) (*domain.DataflowExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.states[m.key(repo, workspace)]
	if !ok {
		return nil, nil
	}
	return fromWire(w), nil
}

// Save overwrites the stored state for state.Workspace, scoped under state.Repo.
func (m *Memory) Save(state *domain.DataflowExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[m.key(state.Repo, state.Workspace)] = toWire(state)
	return nil
}
