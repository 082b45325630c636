package domain

import "go.trai.ch/zerr"

// Sentinel errors, one per error kind in the design's propagation policy
// Call sites attach structured context with zerr.With;
// callers compare with errors.Is against these values.
var (
	// ErrNotFound covers a missing repo, workspace, package, task, or object.
	ErrNotFound = zerr.New("not found")

	// ErrAlreadyExists covers repo init or a package import with a conflicting hash.
	ErrAlreadyExists = zerr.New("already exists")

	// ErrInvalid covers a malformed path, zip entry, or unknown runtime.
	ErrInvalid = zerr.New("invalid")

	// ErrIntegrity is returned when a blob's content hash does not match its path.
	ErrIntegrity = zerr.New("integrity violation")

	// ErrLocked is returned when a workspace lock is held by a live holder.
	ErrLocked = zerr.New("workspace locked")

	// ErrLockLost is returned when a process's own lock file disappears mid-operation.
	ErrLockLost = zerr.New("workspace lock lost")

	// ErrCycle is returned by the planner when the task graph has a cycle.
	ErrCycle = zerr.New("cycle detected")

	// ErrGraphDrift is returned by the resumer when the persisted graph no
	// longer matches a freshly planned one.
	ErrGraphDrift = zerr.New("graph drift")

	// ErrCancelled is returned when an operation observes a cancellation signal.
	ErrCancelled = zerr.New("cancelled")

	// ErrTaskFailed marks a scheduler-surfaced non-zero task exit.
	ErrTaskFailed = zerr.New("task failed")

	// ErrTaskError marks a scheduler-surfaced engine-level task failure.
	ErrTaskError = zerr.New("task error")

	// ErrStorage covers lower-level object store I/O failures.
	ErrStorage = zerr.New("storage error")

	// ErrCodec covers East encode/decode failures.
	ErrCodec = zerr.New("codec error")

	// ErrPathNotFound is returned by the tree engine when an intermediate path segment is missing.
	ErrPathNotFound = zerr.New("path not found")

	// ErrNotATree is returned when a tree walk traverses a non-tree node.
	ErrNotATree = zerr.New("not a tree")

	// ErrTypeMismatch is returned when a leaf's declared type differs from a new ref's type.
	ErrTypeMismatch = zerr.New("type mismatch")

	// ErrUnknownInputPath is a planner error for a task input outside the package's dataset tree.
	ErrUnknownInputPath = zerr.New("unknown input path")

	// ErrOutputPathConflict is a planner error for two tasks declaring the same output.
	ErrOutputPathConflict = zerr.New("output path conflict")

	// ErrStatePersistence is a fatal scheduler error when the state store write fails.
	ErrStatePersistence = zerr.New("state persistence failed")

	// ErrWorkspaceNotDeployed is returned when a workspace exists but has no state file.
	ErrWorkspaceNotDeployed = zerr.New("workspace not deployed")

	// ErrTaskAlreadyRunning is returned when a task's execution record is
	// still RecordRunning and its (pid, bootId, startTime) triple is live,
	// so the scheduler refuses to dispatch a second concurrent attempt.
	ErrTaskAlreadyRunning = zerr.New("task already running")

	// ErrAmbiguousPackageName is returned when a bare package name resolves to
	// multiple versions with no unambiguous highest version.
	ErrAmbiguousPackageName = zerr.New("ambiguous package name")

	// ErrNixCacheCreateFailed is returned when the resolver's on-disk cache
	// directory cannot be created.
	ErrNixCacheCreateFailed = zerr.New("nix cache directory creation failed")

	// ErrNixCacheReadFailed is returned when a cache entry exists but cannot
	// be read, parsed, or does not cover the requested system.
	ErrNixCacheReadFailed = zerr.New("nix cache read failed")

	// ErrNixAPIRequestFailed covers network-level failures querying the
	// NixHub resolution API, including non-2xx responses other than 404.
	ErrNixAPIRequestFailed = zerr.New("nix api request failed")

	// ErrNixAPIParseFailed is returned when the NixHub API response body
	// cannot be decoded as JSON.
	ErrNixAPIParseFailed = zerr.New("nix api response parse failed")

	// ErrNixPackageNotFound is returned when NixHub has no record of the
	// requested tool/version, or none of its systems are supported.
	ErrNixPackageNotFound = zerr.New("nix package not found")
)

// WithField attaches a single key/value pair of context to err.
func WithField(err error, key string, value any) error {
	return zerr.With(err, key, value)
}

// WithFields attaches key/value pairs in order; kv must have even length.
func WithFields(err error, kv ...any) error {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		err = zerr.With(err, key, kv[i+1])
	}
	return err
}
