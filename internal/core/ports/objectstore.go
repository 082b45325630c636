package ports

import (
	"io"

	"go.trai.ch/e3/internal/core/domain"
)

// ObjectStore is the content-addressed blob store (component B), laid out
// as <repo>/objects/<xx>/<yyyy...>. Write is idempotent: writing bytes
// that already exist under their hash is a no-op.
//
//go:generate go run go.uber.org/mock/mockgen -source=objectstore.go -destination=mocks/mock_objectstore.go -package=mocks
type ObjectStore interface {
	// Write computes the hash of data, writes it through a temporary
	// sibling and renames it into place, and returns the hash.
	Write(data []byte) (domain.Hash, error)

	// WriteStream digests src while copying it to a temp file, then
	// renames the temp file into its content-addressed slot.
	WriteStream(src io.Reader) (domain.Hash, error)

	// Read returns the bytes stored at hash.
	Read(hash domain.Hash) ([]byte, error)

	// Exists reports whether hash is present in the store.
	Exists(hash domain.Hash) (bool, error)

	// Walk enumerates every object path currently in the store along
	// with its hash, for the garbage collector's sweep.
	Walk(fn func(hash domain.Hash, path string, size int64) error) error

	// Remove deletes the blob for hash. Used only by the garbage
	// collector after the live-set has been computed.
	Remove(hash domain.Hash) error
}
