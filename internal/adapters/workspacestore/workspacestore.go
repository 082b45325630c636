// Package workspacestore implements the workspace store (component E): a
// named, mutable persistent tree of DataRefs whose shape is fixed by the
// package it was deployed from.
package workspacestore

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	dirPerm  = 0o750
	filePerm = 0o644
)

var _ ports.WorkspaceStore = (*Store)(nil)

// Store implements ports.WorkspaceStore against <repo>/workspaces/<name>.
type Store struct {
	root     string
	objects  ports.ObjectStore
	trees    ports.TreeStore
	packages ports.PackageLoader
}

// New creates a Store rooted at repoDir/workspaces.
func New(repoDir string, objects ports.ObjectStore, trees ports.TreeStore, packages ports.PackageLoader) (*Store, error) {
	root := filepath.Join(repoDir, "workspaces")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create workspaces directory")
	}
	return &Store{root: root, objects: objects, trees: trees, packages: packages}, nil
}

func (s *Store) dir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.dir(name), "state")
}

type wireWorkspaceState struct {
	PackageName    string `json:"packageName"`
	PackageVersion string `json:"packageVersion"`
	PackageHash    string `json:"packageHash"`
	DeployedAt     int64  `json:"deployedAt"`
	RootHash       string `json:"rootHash"`
	RootUpdatedAt  int64  `json:"rootUpdatedAt"`
}

func toWireState(s domain.WorkspaceState) wireWorkspaceState {
	return wireWorkspaceState{
		PackageName:    s.PackageName.String(),
		PackageVersion: s.PackageVersion.String(),
		PackageHash:    s.PackageHash.String(),
		DeployedAt:     s.DeployedAt.Unix(),
		RootHash:       s.RootHash.String(),
		RootUpdatedAt:  s.RootUpdatedAt.Unix(),
	}
}

func fromWireState(w wireWorkspaceState) domain.WorkspaceState {
	return domain.WorkspaceState{
		PackageName:    domain.NewInternedString(w.PackageName),
		PackageVersion: domain.NewInternedString(w.PackageVersion),
		PackageHash:    domain.Hash(w.PackageHash),
		DeployedAt:     time.Unix(w.DeployedAt, 0).UTC(),
		RootHash:       domain.Hash(w.RootHash),
		RootUpdatedAt:  time.Unix(w.RootUpdatedAt, 0).UTC(),
	}
}

// Create writes an empty workspace directory; no state file yet.
func (s *Store) Create(name string) error {
	if err := os.MkdirAll(s.dir(name), dirPerm); err != nil {
		return zerr.Wrap(err, "failed to create workspace directory")
	}
	return nil
}

// Deploy resolves pkgRef, computes the initial root tree (the package's
// dataset tree with every task's output forced to unassigned regardless
// of whatever the package template carried there), writes it, and
// atomically writes the state file. Callers must hold the workspace lock
// under domain.LockOperationDeployment.
func (s *Store) Deploy(name, pkgRef string) (domain.WorkspaceState, error) {
	pkgHash, err := s.packages.Resolve(pkgRef)
	if err != nil {
		return domain.WorkspaceState{}, err
	}
	pkg, err := s.packages.Load(pkgHash)
	if err != nil {
		return domain.WorkspaceState{}, err
	}

	rootHash := pkg.DatasetsRoot
	for _, task := range pkg.Tasks {
		rootHash, err = s.trees.Update(rootHash, task.Output, domain.UnassignedRef())
		if err != nil {
			return domain.WorkspaceState{}, domain.WithFields(err, "workspace", name, "task", task.Name.String())
		}
	}

	if err := os.MkdirAll(s.dir(name), dirPerm); err != nil {
		return domain.WorkspaceState{}, zerr.Wrap(err, "failed to create workspace directory")
	}

	now := time.Now().UTC()
	state := domain.WorkspaceState{
		PackageName:    pkg.Name,
		PackageVersion: pkg.Version,
		PackageHash:    pkgHash,
		DeployedAt:     now,
		RootHash:       rootHash,
		RootUpdatedAt:  now,
	}
	if err := s.writeState(name, state); err != nil {
		return domain.WorkspaceState{}, err
	}
	return state, nil
}

// GetState reads the workspace's state file.
func (s *Store) GetState(name string) (domain.WorkspaceState, error) {
	if _, err := os.Stat(s.dir(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.WorkspaceState{}, domain.WithField(domain.ErrNotFound, "workspace", name)
		}
		return domain.WorkspaceState{}, zerr.Wrap(err, "failed to stat workspace directory")
	}
	raw, err := os.ReadFile(s.statePath(name)) //nolint:gosec // path built from repo-relative workspace name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.WorkspaceState{}, domain.WithField(domain.ErrWorkspaceNotDeployed, "workspace", name)
		}
		return domain.WorkspaceState{}, zerr.Wrap(err, "failed to read workspace state")
	}
	var w wireWorkspaceState
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.WorkspaceState{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return fromWireState(w), nil
}

// SetRoot atomically updates the state file's root hash and timestamp.
func (s *Store) SetRoot(name string, newRoot domain.Hash) error {
	state, err := s.GetState(name)
	if err != nil {
		return err
	}
	state.RootHash = newRoot
	state.RootUpdatedAt = time.Now().UTC()
	return s.writeState(name, state)
}

func (s *Store) writeState(name string, state domain.WorkspaceState) error {
	raw, err := json.Marshal(toWireState(state))
	if err != nil {
		return domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	path := s.statePath(name)
	tmp, err := os.CreateTemp(s.dir(name), "state-*.partial")
	if err != nil {
		return zerr.Wrap(err, "failed to create temp state file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to write temp state file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to close temp state file")
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to chmod temp state file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to install state file")
	}
	return nil
}

// List returns the name of every workspace directory under the store root.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.Wrap(err, "failed to list workspaces")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Remove deletes the workspace. Callers must hold the workspace lock
// under domain.LockOperationRemoval.
func (s *Store) Remove(name string) error {
	if err := os.RemoveAll(s.dir(name)); err != nil {
		return zerr.Wrap(err, "failed to remove workspace directory")
	}
	return nil
}

// Export packages the current root tree and every blob reachable from it
// into a self-contained zip written to w, in the same objects/<xx>/<...>
// layout a package zip uses.
func (s *Store) Export(name string, w io.Writer) error {
	state, err := s.GetState(name)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	visited := make(map[domain.Hash]bool)
	if err := s.exportReachable(zw, state.RootHash, visited); err != nil {
		return err
	}
	return zw.Close()
}

func (s *Store) exportReachable(zw *zip.Writer, hash domain.Hash, visited map[domain.Hash]bool) error {
	if hash.IsZero() || visited[hash] {
		return nil
	}
	visited[hash] = true

	raw, err := s.objects.Read(hash)
	if err != nil {
		return err
	}
	if err := writeObjectEntry(zw, hash, raw); err != nil {
		return err
	}

	fields, err := s.trees.ReadTree(hash)
	if err != nil {
		// Not a tree node (or a leaf value blob that doesn't parse as one);
		// it has already been written above as a plain blob.
		return nil //nolint:nilerr
	}
	for _, ref := range fields {
		if ref.Hash.IsZero() {
			continue
		}
		if err := s.exportReachable(zw, ref.Hash, visited); err != nil {
			return err
		}
	}
	return nil
}

func writeObjectEntry(zw *zip.Writer, hash domain.Hash, content []byte) error {
	prefix, suffix := hash.Shard()
	entry, err := zw.Create("objects/" + prefix + "/" + suffix)
	if err != nil {
		return zerr.Wrap(err, "failed to create zip entry")
	}
	_, err = entry.Write(content)
	return err
}
