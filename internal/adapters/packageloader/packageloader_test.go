package packageloader_test

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/core/domain"
)

type wirePackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	DatasetsRoot string            `json:"datasetsRoot"`
	Tasks        map[string]string `json:"tasks"`
}

// buildPackageZip returns the zip bytes (objects/... entries only, per
// the object store layout) and the hash of the package object at its root.
func buildPackageZip(t *testing.T, name, version, commandIR string) ([]byte, domain.Hash) {
	t.Helper()

	task := domain.Task{
		Name:      domain.NewInternedString("build"),
		CommandIR: []byte(commandIR),
		Inputs:    []domain.TreePath{domain.ParseDotted("inputs.source")},
		Output:    domain.ParseDotted("outputs.result"),
	}
	taskRaw, err := packageloader.EncodeTask(task)
	require.NoError(t, err)
	taskHash := hashutil.DigestBytes(taskRaw)

	rootTreeRaw := []byte(`{}`)
	rootTreeHash := hashutil.DigestBytes(rootTreeRaw)

	pkg := wirePackage{
		Name:         name,
		Version:      version,
		DatasetsRoot: rootTreeHash.String(),
		Tasks:        map[string]string{"build": taskHash.String()},
	}
	pkgRaw, err := json.Marshal(pkg)
	require.NoError(t, err)
	pkgHash := hashutil.DigestBytes(pkgRaw)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeEntry(t, zw, objectEntryName(pkgHash), pkgRaw)
	writeEntry(t, zw, objectEntryName(taskHash), taskRaw)
	writeEntry(t, zw, objectEntryName(rootTreeHash), rootTreeRaw)
	require.NoError(t, zw.Close())

	return buf.Bytes(), pkgHash
}

func objectEntryName(h domain.Hash) string {
	prefix, suffix := h.Shard()
	return "objects/" + prefix + "/" + suffix
}

func writeEntry(t *testing.T, zw *zip.Writer, name string, content []byte) {
	t.Helper()
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
}

func newLoader(t *testing.T) *packageloader.Loader {
	t.Helper()
	repoDir := t.TempDir()
	store, err := objectstore.New(repoDir)
	require.NoError(t, err)
	loader, err := packageloader.New(repoDir, store)
	require.NoError(t, err)
	return loader
}

func TestLoader_ImportResolveLoad(t *testing.T) {
	loader := newLoader(t)
	zipBytes, root := buildPackageZip(t, "acme", "1.0.0", "run build")

	ref, err := loader.Import("acme", "1.0.0", root, bytes.NewReader(zipBytes), int64(len(zipBytes)), false)
	require.NoError(t, err)
	require.Equal(t, "acme", ref.Name)
	require.Equal(t, "1.0.0", ref.Version)
	require.Equal(t, root, ref.Hash)

	resolved, err := loader.Resolve("acme@1.0.0")
	require.NoError(t, err)
	require.Equal(t, root, resolved)

	resolvedBare, err := loader.Resolve("acme")
	require.NoError(t, err)
	require.Equal(t, root, resolvedBare)

	pkg, err := loader.Load(root)
	require.NoError(t, err)
	require.Contains(t, pkg.Tasks, "build")
	require.Equal(t, "outputs.result", pkg.Tasks["build"].Output.Dotted())
}

func TestLoader_ImportReimportSameHashIsNoop(t *testing.T) {
	loader := newLoader(t)
	zipBytes, root := buildPackageZip(t, "acme", "1.0.0", "run build")

	first, err := loader.Import("acme", "1.0.0", root, bytes.NewReader(zipBytes), int64(len(zipBytes)), false)
	require.NoError(t, err)

	second, err := loader.Import("acme", "1.0.0", root, bytes.NewReader(zipBytes), int64(len(zipBytes)), false)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, first.ImportedAt, second.ImportedAt)
}

func TestLoader_ImportConflictingHashRequiresForce(t *testing.T) {
	loader := newLoader(t)
	first, root1 := buildPackageZip(t, "acme", "1.0.0", "run build")
	_, err := loader.Import("acme", "1.0.0", root1, bytes.NewReader(first), int64(len(first)), false)
	require.NoError(t, err)

	second, root2 := buildPackageZip(t, "acme", "1.0.0", "run build --release")
	require.NotEqual(t, root1, root2)

	_, err = loader.Import("acme", "1.0.0", root2, bytes.NewReader(second), int64(len(second)), false)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	ref, err := loader.Import("acme", "1.0.0", root2, bytes.NewReader(second), int64(len(second)), true)
	require.NoError(t, err)
	require.Equal(t, root2, ref.Hash)
}

func TestLoader_ResolveAmbiguousVersionPicksHighest(t *testing.T) {
	loader := newLoader(t)
	z1, root1 := buildPackageZip(t, "acme", "1.0.0", "run build")
	z2, root2 := buildPackageZip(t, "acme", "1.2.0", "run build --fast")
	_, err := loader.Import("acme", "1.0.0", root1, bytes.NewReader(z1), int64(len(z1)), false)
	require.NoError(t, err)
	_, err = loader.Import("acme", "1.2.0", root2, bytes.NewReader(z2), int64(len(z2)), false)
	require.NoError(t, err)

	resolved, err := loader.Resolve("acme")
	require.NoError(t, err)
	require.Equal(t, root2, resolved)
}

func TestLoader_ImportRejectsTamperedEntry(t *testing.T) {
	loader := newLoader(t)
	zipBytes, root := buildPackageZip(t, "acme", "1.0.0", "run build")
	tampered := corruptFirstObjectEntry(t, zipBytes)

	_, err := loader.Import("acme", "1.0.0", root, bytes.NewReader(tampered), int64(len(tampered)), false)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLoader_ImportRejectsUnresolvableRoot(t *testing.T) {
	loader := newLoader(t)
	zipBytes, _ := buildPackageZip(t, "acme", "1.0.0", "run build")
	bogus := hashutil.DigestBytes([]byte("not in the archive"))

	_, err := loader.Import("acme", "1.0.0", bogus, bytes.NewReader(zipBytes), int64(len(zipBytes)), false)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLoader_ImportWithManifestSidecar(t *testing.T) {
	loader := newLoader(t)
	zipBytes, root := buildPackageZip(t, "acme", "1.0.0", "run build")

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close() //nolint:errcheck
		writeEntry(t, zw, f.Name, content)
	}
	writeEntry(t, zw, "package.yaml", []byte("description: builds acme\nmaintainers:\n  - acme-team\ntags:\n  - build\n"))
	require.NoError(t, zw.Close())

	_, err = loader.Import("acme", "1.0.0", root, bytes.NewReader(buf.Bytes()), int64(buf.Len()), false)
	require.NoError(t, err)

	m, ok, err := loader.Manifest("acme", "1.0.0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "builds acme", m.Description)
	require.Equal(t, []string{"acme-team"}, m.Maintainers)

	_, ok, err = loader.Manifest("acme", "2.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func corruptFirstObjectEntry(t *testing.T, original []byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(original), int64(len(original)))
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	corrupted := false
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close() //nolint:errcheck

		if !corrupted {
			content = append(content, byte('x'))
			corrupted = true
		}
		writeEntry(t, zw, f.Name, content)
	}
	require.True(t, corrupted)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
