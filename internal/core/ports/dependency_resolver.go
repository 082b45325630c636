// Package ports defines the core interfaces for the application.
package ports

import "context"

// DependencyResolver handles resolving a tool version to a specific Nixpkgs
// commit and the flake attribute path that provides it on the current
// system.
//
//go:generate go run go.uber.org/mock/mockgen -source=dependency_resolver.go -destination=mocks/mock_dependency_resolver.go -package=mocks
type DependencyResolver interface {
	// Resolve resolves a package identifier (e.g. "go@1.21") to a Nixpkgs
	// commit hash and the legacyPackages attribute path under that commit
	// that builds it for the running system. It checks the on-disk cache
	// first, then falls back to querying the NixHub API.
	Resolve(ctx context.Context, alias, version string) (commitHash, attrPath string, err error)
}
