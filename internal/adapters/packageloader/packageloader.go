// Package packageloader implements the package loader (component D):
// importing a package zip's objects/... entries into the object store and
// resolving (name, version) references to package-object hashes.
package packageloader

import (
	"archive/zip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

// manifestEntry is the zip entry carrying human-authored package metadata,
// separate from the content-addressed objects/... tree.
const manifestEntry = "package.yaml"

const (
	dirPerm  = 0o750
	filePerm = 0o644
)

var _ ports.PackageLoader = (*Loader)(nil)

// Loader implements ports.PackageLoader against a filesystem ref directory
// (<repo>/packages/<name>/<version>.json) and an underlying object store.
type Loader struct {
	refsDir string
	objects ports.ObjectStore
}

// New creates a Loader rooted at repoDir/packages.
func New(repoDir string, objects ports.ObjectStore) (*Loader, error) {
	dir := filepath.Join(repoDir, "packages")
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create packages directory")
	}
	return &Loader{refsDir: dir, objects: objects}, nil
}

type wireTask struct {
	Name      string   `json:"name"`
	CommandIR string   `json:"commandIr"`
	Inputs    []string `json:"inputs"`
	Output    string   `json:"output"`
}

type wirePackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	DatasetsRoot string            `json:"datasetsRoot"`
	Tasks        map[string]string `json:"tasks"` // taskName -> task-object hash
}

type refFile struct {
	Hash       string `json:"hash"`
	ImportedAt int64  `json:"importedAt"`
}

// EncodeTask serializes a Task into its content-addressed wire form.
func EncodeTask(t domain.Task) ([]byte, error) {
	inputs := make([]string, len(t.Inputs))
	for i, p := range t.Inputs {
		inputs[i] = p.Dotted()
	}
	return json.Marshal(wireTask{
		Name:      t.Name.String(),
		CommandIR: base64.StdEncoding.EncodeToString(t.CommandIR),
		Inputs:    inputs,
		Output:    t.Output.Dotted(),
	})
}

func decodeTask(raw []byte) (domain.Task, error) {
	var w wireTask
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Task{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	ir, err := base64.StdEncoding.DecodeString(w.CommandIR)
	if err != nil {
		return domain.Task{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	inputs := make([]domain.TreePath, len(w.Inputs))
	for i, p := range w.Inputs {
		inputs[i] = domain.ParseDotted(p)
	}
	return domain.Task{
		Name:      domain.NewInternedString(w.Name),
		CommandIR: ir,
		Inputs:    inputs,
		Output:    domain.ParseDotted(w.Output),
	}, nil
}

// Import verifies every objects/... entry in the zip against its claimed
// hash and imports it into the object store, then records a
// packages/<name>/<version> ref pointing at root, the package object the
// zip's closure is rooted at. The zip's entries are exactly a set of
// objects/<xx>/<...> paths; the caller names which imported object
// is "the" package object, since that can't be inferred from the archive
// alone. Re-import of the same (name, version) with the same hash is a
// no-op; a different hash errors unless force is set.
func (l *Loader) Import(name, version string, root domain.Hash, r io.ReaderAt, size int64, force bool) (domain.PackageRef, error) {
	if !root.Valid() {
		return domain.PackageRef{}, domain.WithField(domain.ErrInvalid, "root", root.String())
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return domain.PackageRef{}, domain.WithField(domain.ErrInvalid, "cause", err.Error())
	}

	var manifest []byte
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "objects/"):
			if err := l.importObjectEntry(f); err != nil {
				return domain.PackageRef{}, err
			}
		case f.Name == manifestEntry:
			body, err := readZipFile(f)
			if err != nil {
				return domain.PackageRef{}, err
			}
			manifest = body
		}
	}

	if exists, err := l.objects.Exists(root); err != nil {
		return domain.PackageRef{}, err
	} else if !exists {
		return domain.PackageRef{}, domain.WithField(domain.ErrIntegrity, "root", root.String())
	}
	// Confirm root decodes as a package object before recording the ref.
	if _, err := l.Load(root); err != nil {
		return domain.PackageRef{}, err
	}

	ref, err := l.recordRef(name, version, root, force)
	if err != nil {
		return domain.PackageRef{}, err
	}
	if manifest != nil {
		if err := l.writeManifest(name, version, manifest); err != nil {
			return domain.PackageRef{}, err
		}
	}
	return ref, nil
}

func (l *Loader) manifestPath(name, version string) string {
	return filepath.Join(l.refsDir, name, version+".manifest.yaml")
}

// writeManifest validates manifest as YAML before writing its raw bytes
// through unchanged, so package list can surface the author's formatting.
func (l *Loader) writeManifest(name, version string, manifest []byte) error {
	var probe domain.PackageManifest
	if err := yaml.Unmarshal(manifest, &probe); err != nil {
		return domain.WithField(domain.ErrInvalid, "cause", err.Error())
	}
	if err := os.WriteFile(l.manifestPath(name, version), manifest, filePerm); err != nil {
		return zerr.Wrap(err, "failed to write package manifest")
	}
	return nil
}

// Manifest reads back the package.yaml sidecar recorded at import time.
func (l *Loader) Manifest(name, version string) (domain.PackageManifest, bool, error) {
	raw, err := os.ReadFile(l.manifestPath(name, version)) //nolint:gosec // path built from repo-relative package coordinates
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.PackageManifest{}, false, nil
		}
		return domain.PackageManifest{}, false, zerr.Wrap(err, "failed to read package manifest")
	}
	var m domain.PackageManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return domain.PackageManifest{}, false, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return m, true, nil
}

func (l *Loader) importObjectEntry(f *zip.File) error {
	rel := strings.TrimPrefix(f.Name, "objects/")
	rel = strings.TrimPrefix(rel, "/")
	claimed := domain.Hash(strings.ReplaceAll(rel, "/", ""))
	if !claimed.Valid() {
		return domain.WithField(domain.ErrInvalid, "entry", f.Name)
	}
	body, err := readZipFile(f)
	if err != nil {
		return err
	}
	got, err := l.objects.Write(body)
	if err != nil {
		return err
	}
	if got != claimed {
		return domain.WithFields(domain.ErrIntegrity, "entry", f.Name, "claimed", claimed.String(), "computed", got.String())
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open zip entry")
	}
	defer rc.Close() //nolint:errcheck
	return io.ReadAll(rc)
}

func (l *Loader) refPath(name, version string) string {
	return filepath.Join(l.refsDir, name, version+".json")
}

func (l *Loader) recordRef(name, version string, hash domain.Hash, force bool) (domain.PackageRef, error) {
	path := l.refPath(name, version)
	if existing, err := readRefFile(path); err == nil {
		if existing.Hash == hash.String() {
			return domain.PackageRef{Name: name, Version: version, Hash: hash, ImportedAt: existing.ImportedAt}, nil
		}
		if !force {
			return domain.PackageRef{}, domain.WithFields(domain.ErrAlreadyExists,
				"name", name, "version", version, "existing_hash", existing.Hash)
		}
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, os.ErrNotExist) {
		return domain.PackageRef{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return domain.PackageRef{}, zerr.Wrap(err, "failed to create package ref directory")
	}
	now := nowUnix()
	raw, err := json.Marshal(refFile{Hash: hash.String(), ImportedAt: now})
	if err != nil {
		return domain.PackageRef{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	if err := os.WriteFile(path, raw, filePerm); err != nil {
		return domain.PackageRef{}, zerr.Wrap(err, "failed to write package ref")
	}
	return domain.PackageRef{Name: name, Version: version, Hash: hash, ImportedAt: now}, nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func readRefFile(path string) (refFile, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path built from repo-relative package coordinates
	if err != nil {
		return refFile{}, err
	}
	var rf refFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return refFile{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return rf, nil
}

// Resolve resolves a bare name or "name@version" to a package hash.
// A bare name resolves to the highest version present; an ambiguous bare
// name (multiple versions with no unambiguous highest) fails.
func (l *Loader) Resolve(nameOrNameAtVersion string) (domain.Hash, error) {
	name, version, explicit := strings.Cut(nameOrNameAtVersion, "@")
	if explicit {
		rf, err := readRefFile(l.refPath(name, version))
		if err != nil {
			return domain.ZeroHash, domain.WithFields(domain.ErrNotFound, "name", name, "version", version)
		}
		return domain.ParseHash(rf.Hash)
	}

	versions, err := l.versionsOf(name)
	if err != nil {
		return domain.ZeroHash, err
	}
	if len(versions) == 0 {
		return domain.ZeroHash, domain.WithField(domain.ErrNotFound, "name", name)
	}
	sort.Strings(versions)
	highest := versions[len(versions)-1]
	rf, err := readRefFile(l.refPath(name, highest))
	if err != nil {
		return domain.ZeroHash, err
	}
	return domain.ParseHash(rf.Hash)
}

func (l *Loader) versionsOf(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.refsDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.Wrap(err, "failed to list package versions")
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(e.Name(), ".json"))
	}
	return versions, nil
}

// Load reads the package object at hash and hydrates its tasks from their
// own content-addressed task-object blobs.
func (l *Loader) Load(hash domain.Hash) (domain.Package, error) {
	raw, err := l.objects.Read(hash)
	if err != nil {
		return domain.Package{}, err
	}
	var w wirePackage
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Package{}, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	datasetsRoot, err := domain.ParseHash(w.DatasetsRoot)
	if err != nil {
		return domain.Package{}, err
	}
	tasks := make(map[string]domain.Task, len(w.Tasks))
	for name, taskHashStr := range w.Tasks {
		taskHash, err := domain.ParseHash(taskHashStr)
		if err != nil {
			return domain.Package{}, err
		}
		raw, err := l.objects.Read(taskHash)
		if err != nil {
			return domain.Package{}, err
		}
		task, err := decodeTask(raw)
		if err != nil {
			return domain.Package{}, err
		}
		tasks[name] = task
	}
	return domain.Package{
		Name:         domain.NewInternedString(w.Name),
		Version:      domain.NewInternedString(w.Version),
		DatasetsRoot: datasetsRoot,
		Tasks:        tasks,
	}, nil
}

// List returns every imported package reference.
func (l *Loader) List() ([]domain.PackageRef, error) {
	names, err := os.ReadDir(l.refsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.Wrap(err, "failed to list packages")
	}
	var out []domain.PackageRef
	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		versions, err := l.versionsOf(n.Name())
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			rf, err := readRefFile(l.refPath(n.Name(), v))
			if err != nil {
				return nil, err
			}
			h, err := domain.ParseHash(rf.Hash)
			if err != nil {
				return nil, err
			}
			out = append(out, domain.PackageRef{Name: n.Name(), Version: v, Hash: h, ImportedAt: rf.ImportedAt})
		}
	}
	return out, nil
}
