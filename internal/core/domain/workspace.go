package domain

import "time"

// WorkspaceState is the persistent, mutable state of a deployed workspace.
// An un-deployed workspace (directory present, no state file) has no
// WorkspaceState at all.
type WorkspaceState struct {
	PackageName     InternedString
	PackageVersion  InternedString
	PackageHash     Hash
	DeployedAt      time.Time
	RootHash        Hash
	RootUpdatedAt   time.Time
}
