package ports

import "go.trai.ch/e3/internal/core/domain"

// ExecutionStore is the execution record store (component G), filesystem
// indexed by (taskHash, inputsHash).
//
//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type ExecutionStore interface {
	// Get returns the most recent status for (taskHash, inputsHash).
	// Returns nil, nil if no record exists.
	Get(taskHash, inputsHash domain.Hash) (*domain.ExecutionRecord, error)

	// Put atomically writes rec as the record for (taskHash, inputsHash).
	Put(taskHash, inputsHash domain.Hash, rec domain.ExecutionRecord) error

	// Walk enumerates every stored (taskHash, inputsHash) record, for the
	// garbage collector's live-set computation.
	Walk(fn func(taskHash, inputsHash domain.Hash, rec domain.ExecutionRecord) error) error
}
