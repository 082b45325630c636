// Package objectstore implements the content-addressed blob store
// (component B): <repo>/objects/<xx>/<yyyy...>, written atomically through
// a temporary sibling and renamed into place.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	dirPerm  = 0o750
	filePerm = 0o644
)

var _ ports.ObjectStore = (*Store)(nil)

// Store is a filesystem-backed ObjectStore rooted at <repo>/objects.
type Store struct {
	root string
}

// New creates a Store rooted at repoDir/objects, creating the directory
// if it does not exist.
func New(repoDir string) (*Store, error) {
	root := filepath.Join(repoDir, "objects")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create object store directory")
	}
	return &Store{root: root}, nil
}

func objectHash(data []byte) domain.Hash {
	sum := sha256.Sum256(data)
	return domain.Hash(hex.EncodeToString(sum[:]))
}

func (s *Store) pathFor(h domain.Hash) string {
	prefix, suffix := h.Shard()
	return filepath.Join(s.root, prefix, suffix)
}

// Write computes the hash of data and writes it through a temp file and
// rename. Idempotent: if the destination already exists, the temp file is
// discarded without touching the existing blob.
func (s *Store) Write(data []byte) (domain.Hash, error) {
	h := objectHash(data)
	dest := s.pathFor(h)
	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}
	shardDir := filepath.Dir(dest)
	if err := os.MkdirAll(shardDir, dirPerm); err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to create shard directory")
	}
	tmp, err := os.CreateTemp(shardDir, "*.partial")
	if err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to create temp object file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath)
		return domain.ZeroHash, zerr.Wrap(err, "failed to write temp object file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return domain.ZeroHash, zerr.Wrap(err, "failed to close temp object file")
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath)
		return domain.ZeroHash, zerr.Wrap(err, "failed to chmod temp object file")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		if _, statErr := os.Stat(dest); statErr == nil {
			return h, nil
		}
		return domain.ZeroHash, zerr.Wrap(err, "failed to rename temp object file into place")
	}
	return h, nil
}

// WriteStream digests src while copying it to a temp file, then renames
// the temp file into its content-addressed slot.
func (s *Store) WriteStream(src io.Reader) (domain.Hash, error) {
	tmp, err := os.CreateTemp(s.root, "*.partial")
	if err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to create temp object file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	digest := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, digest), src); err != nil {
		tmp.Close() //nolint:errcheck
		return domain.ZeroHash, zerr.Wrap(err, "failed to write temp object stream")
	}
	if err := tmp.Close(); err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to close temp object stream")
	}
	h := domain.Hash(hex.EncodeToString(digest.Sum(nil)))
	dest := s.pathFor(h)
	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to create shard directory")
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return domain.ZeroHash, zerr.Wrap(err, "failed to chmod temp object file")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			return h, nil
		}
		return domain.ZeroHash, zerr.Wrap(err, "failed to rename temp object stream into place")
	}
	return h, nil
}

// Read returns the bytes stored at hash.
func (s *Store) Read(hash domain.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash)) //nolint:gosec // path built from a validated Hash
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WithField(domain.ErrNotFound, "hash", hash.String())
		}
		return nil, zerr.Wrap(err, "failed to read object")
	}
	if objectHash(data) != hash {
		return nil, domain.WithField(domain.ErrIntegrity, "hash", hash.String())
	}
	return data, nil
}

// Exists reports whether hash is present in the store.
func (s *Store) Exists(hash domain.Hash) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, zerr.Wrap(err, "failed to stat object")
}

// Walk enumerates every object path currently in the store.
func (s *Store) Walk(fn func(hash domain.Hash, path string, size int64) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if filepath.Ext(rel) == ".partial" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		h, perr := domain.ParseHash(filepath.Dir(rel) + filepath.Base(rel))
		if perr != nil {
			return nil // skip files that aren't shaped like objects
		}
		return fn(h, path, info.Size())
	})
}

// Remove deletes the blob for hash. Used only by the garbage collector.
func (s *Store) Remove(hash domain.Hash) error {
	if err := os.Remove(s.pathFor(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.Wrap(err, "failed to remove object")
	}
	return nil
}
