// Package hashutil implements the hash helpers of component A: a
// streaming content digest for the object store and a cheap
// non-cryptographic digest for cache keys that do not need collision
// resistance, such as the planner's graph hash.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/cespare/xxhash/v2"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

var _ ports.Hasher = (*Hasher)(nil)

// Hasher computes content hashes without buffering whole blobs in memory.
type Hasher struct{}

// New creates a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Digest streams r through SHA-256 and returns the lowercase hex digest
// that content-addresses the data.
func (h *Hasher) Digest(r io.Reader) (domain.Hash, error) {
	sum := sha256.New()
	if _, err := io.Copy(sum, r); err != nil {
		return domain.ZeroHash, domain.WithField(domain.ErrStorage, "cause", err.Error())
	}
	return domain.Hash(hex.EncodeToString(sum.Sum(nil))), nil
}

// QuickDigest streams r through xxhash and returns a 64-bit digest, used
// where a fast, non-cryptographic fingerprint suffices.
func (h *Hasher) QuickDigest(r io.Reader) (uint64, error) {
	sum := xxhash.New()
	if _, err := io.Copy(sum, r); err != nil {
		return 0, domain.WithField(domain.ErrStorage, "cause", err.Error())
	}
	return sum.Sum64(), nil
}

// DigestBytes is a convenience wrapper around Digest for in-memory data.
func DigestBytes(data []byte) domain.Hash {
	sum := sha256.Sum256(data)
	return domain.Hash(hex.EncodeToString(sum[:]))
}

// QuickDigestBytes is a convenience wrapper around QuickDigest for
// in-memory data, used to compute a graph's content hash from its
// canonical serialization.
func QuickDigestBytes(data []byte) uint64 {
	return xxhash.Sum64(data)
}
