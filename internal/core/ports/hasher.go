package ports

import (
	"io"

	"go.trai.ch/e3/internal/core/domain"
)

// Hasher computes content hashes for the object store (component A).
// Digest is the content address (streaming SHA-256, no whole-blob
// buffering); QuickDigest is a cheap non-cryptographic digest used where a
// collision-resistant hash is unnecessary, such as the planner's graphHash.
type Hasher interface {
	Digest(r io.Reader) (domain.Hash, error)
	QuickDigest(r io.Reader) (uint64, error)
}
