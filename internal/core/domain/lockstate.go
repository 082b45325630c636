package domain

import "time"

// LockOperation names the operation a workspace lock is held for.
type LockOperation string

const (
	LockOperationDeployment LockOperation = "deployment"
	LockOperationDataflow   LockOperation = "dataflow"
	LockOperationRemoval    LockOperation = "removal"
)

// LockHolderKind tags the variant held by a LockHolder. The local process
// variant is the only one implemented by the on-disk advisory lock; other
// kinds are reserved for non-local (cloud) lock backends.
type LockHolderKind string

const (
	LockHolderLocalProcess LockHolderKind = "local_process"
)

// LockHolder identifies who holds a workspace lock. For LockHolderLocalProcess,
// the PID/BootID/StartTime triple is what crash detection checks against the
// live system: a lock is dead if the boot id has rolled over, no process with
// that pid exists, or a process with that pid exists but started at a
// different time (pid reuse).
type LockHolder struct {
	Kind LockHolderKind

	PID       int
	BootID    string
	StartTime time.Time
	Command   string
}

// LockState is the decoded content of a workspace's lock file.
type LockState struct {
	Operation LockOperation
	Holder    LockHolder
	AcquiredAt time.Time
	ExpiresAt  *time.Time // optional TTL; ignored by local implementations
}
