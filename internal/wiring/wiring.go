// Package wiring registers Graft nodes for the adapters whose constructor
// takes no repository-path argument. Everything else (objectstore,
// datatree, packageloader, workspacestore, executionstore, statestore,
// advisorylock, the planner, the scheduler, the orchestrator's Engine) is
// wired manually once a repository path is known, the way
// internal/orchestrator.newDefaultEngine does it — see "Graft node
// registration scope" in DESIGN.md.
package wiring

import (
	// Register path-independent adapter nodes.
	_ "go.trai.ch/e3/internal/adapters/codec"
	_ "go.trai.ch/e3/internal/adapters/hashutil"
	_ "go.trai.ch/e3/internal/adapters/logger"
	_ "go.trai.ch/e3/internal/adapters/nix"
	_ "go.trai.ch/e3/internal/adapters/telemetry/progrock"
)
