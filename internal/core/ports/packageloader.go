package ports

import (
	"io"

	"go.trai.ch/e3/internal/core/domain"
)

// PackageLoader ingests package zips into the object store and resolves
// package references (component D).
//
//go:generate go run go.uber.org/mock/mockgen -source=packageloader.go -destination=mocks/mock_packageloader.go -package=mocks
type PackageLoader interface {
	// Import verifies every objects/... entry in the zip against its
	// claimed hash and imports it into the object store, then records
	// packages/<name>/<version> pointing at root, the caller-supplied
	// hash of the package object the zip's closure is rooted at.
	// Re-importing the same (name, version) with the same hash is a
	// no-op; with a different hash it errors unless force is set.
	Import(name, version string, root domain.Hash, zip io.ReaderAt, size int64, force bool) (domain.PackageRef, error)

	// Resolve resolves a bare name or "name@version" to a package hash.
	Resolve(nameOrNameAtVersion string) (domain.Hash, error)

	// Load reads the package object at hash.
	Load(hash domain.Hash) (domain.Package, error)

	// List returns every imported package reference.
	List() ([]domain.PackageRef, error)

	// Manifest returns the human-authored package.yaml sidecar recorded
	// alongside (name, version) at import time, if the zip carried one.
	// The second return is false when no sidecar was present.
	Manifest(name, version string) (domain.PackageManifest, bool, error)
}
