package ports

import "go.trai.ch/e3/internal/core/domain"

// LockHandle is returned by a successful Acquire and is tied to the
// underlying file descriptor for the lifetime of the locked operation.
type LockHandle interface {
	// Release removes the lock file. It is a no-op if the lock was
	// already forcibly replaced by a later acquirer that detected it as
	// dead.
	Release() error
}

// LockService is the workspace advisory lock (component F), one lock file
// per workspace with OS-level exclusive locking plus crash detection via
// the holder's (pid, bootId, startTime) triple.
//
//go:generate go run go.uber.org/mock/mockgen -source=lockservice.go -destination=mocks/mock_lockservice.go -package=mocks
type LockService interface {
	// Acquire attempts to create the lock file exclusively. If the file
	// already exists and its holder is live, Acquire returns ErrLocked.
	// If the holder is dead, the lock is forcibly replaced atomically.
	Acquire(workspace string, op domain.LockOperation) (LockHandle, error)
}
