package ports

import "go.trai.ch/e3/internal/core/domain"

// TreeStore is the data-tree engine (component C): persistent trees of
// DataRefs with structural sharing and copy-on-write updates.
//
//go:generate go run go.uber.org/mock/mockgen -source=datatree.go -destination=mocks/mock_datatree.go -package=mocks
type TreeStore interface {
	// ReadTree returns the field->DataRef map stored at hash.
	ReadTree(hash domain.Hash) (map[string]domain.DataRef, error)

	// WriteTree writes a new tree object from fields and returns its hash.
	// Used to materialize trees directly, such as a workspace's initial
	// root tree at deploy time.
	WriteTree(fields map[string]domain.DataRef) (domain.Hash, error)

	// Walk resolves path against the tree rooted at rootHash.
	Walk(rootHash domain.Hash, path domain.TreePath) (domain.DataRef, error)

	// Update walks to the node containing path's final segment, writes a
	// new tree value with that single field replaced, and rewrites every
	// ancestor up to the root. Returns the new root hash.
	Update(rootHash domain.Hash, path domain.TreePath, newRef domain.DataRef) (domain.Hash, error)

	// ListTree returns the field names present at path.
	ListTree(rootHash domain.Hash, path domain.TreePath) ([]string, error)

	// ListTreeRecursive returns a flattened path->DataRef view under path,
	// bounded by maxDepth when maxDepth > 0 (unbounded otherwise).
	ListTreeRecursive(rootHash domain.Hash, path domain.TreePath, maxDepth int) (map[string]domain.DataRef, error)
}
