package workspacestore_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"go.trai.ch/e3/internal/adapters/datatree"
	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/adapters/workspacestore"
	"go.trai.ch/e3/internal/core/domain"
)

// setup builds a repo with one imported package ("acme@1.0.0", one task
// "build" producing outputs.result from inputs.source, whose default ref
// is pre-populated) and returns the components needed to deploy it.
func setup(t *testing.T) (*workspacestore.Store, *objectstore.Store, *datatree.Engine, *packageloader.Loader) {
	t.Helper()
	repoDir := t.TempDir()
	objects, err := objectstore.New(repoDir)
	require.NoError(t, err)
	trees := datatree.New(objects)
	loader, err := packageloader.New(repoDir, objects)
	require.NoError(t, err)

	sourceHash := hashutil.DigestBytes([]byte(`"hello"`))
	inputsHash, err := trees.WriteTree(map[string]domain.DataRef{
		"source": domain.ValueRef(sourceHash, "string"),
	})
	require.NoError(t, err)
	outputsHash, err := trees.WriteTree(map[string]domain.DataRef{
		"result": domain.UnassignedRef(),
	})
	require.NoError(t, err)
	datasetsRoot, err := trees.WriteTree(map[string]domain.DataRef{
		"inputs":  domain.TreeRef(inputsHash),
		"outputs": domain.TreeRef(outputsHash),
	})
	require.NoError(t, err)

	task := domain.Task{
		Name:      domain.NewInternedString("build"),
		CommandIR: []byte("run build"),
		Inputs:    []domain.TreePath{domain.ParseDotted("inputs.source")},
		Output:    domain.ParseDotted("outputs.result"),
	}
	taskRaw, err := packageloader.EncodeTask(task)
	require.NoError(t, err)
	taskHash, err := objects.Write(taskRaw)
	require.NoError(t, err)

	pkgRaw := []byte(`{"name":"acme","version":"1.0.0","datasetsRoot":"` + string(datasetsRoot) +
		`","tasks":{"build":"` + string(taskHash) + `"}}`)
	pkgHash, err := objects.Write(pkgRaw)
	require.NoError(t, err)

	zipBytes := buildZip(t, pkgHash, pkgRaw, taskHash, taskRaw, datasetsRoot, inputsHash, outputsHash, sourceHash)
	_, err = loader.Import("acme", "1.0.0", pkgHash, bytes.NewReader(zipBytes), int64(len(zipBytes)), false)
	require.NoError(t, err)

	store, err := workspacestore.New(repoDir, objects, trees, loader)
	require.NoError(t, err)
	return store, objects, trees, loader
}

func buildZip(t *testing.T, pkgHash domain.Hash, pkgRaw []byte, taskHash domain.Hash, taskRaw []byte,
	datasetsRoot, inputsHash, outputsHash, sourceHash domain.Hash,
) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(h domain.Hash, content []byte) {
		prefix, suffix := h.Shard()
		w, err := zw.Create("objects/" + prefix + "/" + suffix)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	write(pkgHash, pkgRaw)
	write(taskHash, taskRaw)
	// datasetsRoot/inputs/outputs trees and the source value blob are
	// already present in the object store from setup's direct writes, but
	// a real package zip would carry their closure too.
	_ = datasetsRoot
	_ = inputsHash
	_ = outputsHash
	_ = sourceHash
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestStore_DeployForcesOutputsUnassigned(t *testing.T) {
	store, _, trees, _ := setup(t)
	require.NoError(t, store.Create("dev"))

	state, err := store.Deploy("dev", "acme@1.0.0")
	require.NoError(t, err)
	require.Equal(t, "acme", state.PackageName.String())

	ref, err := trees.Walk(state.RootHash, domain.ParseDotted("outputs.result"))
	require.NoError(t, err)
	require.True(t, ref.IsUnassigned())

	ref, err = trees.Walk(state.RootHash, domain.ParseDotted("inputs.source"))
	require.NoError(t, err)
	require.Equal(t, domain.DataRefValue, ref.Kind)
}

func TestStore_GetStateNotDeployed(t *testing.T) {
	store, _, _, _ := setup(t)
	require.NoError(t, store.Create("dev"))

	_, err := store.GetState("dev")
	require.ErrorIs(t, err, domain.ErrWorkspaceNotDeployed)
}

func TestStore_GetStateMissingWorkspace(t *testing.T) {
	store, _, _, _ := setup(t)

	_, err := store.GetState("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_SetRoot(t *testing.T) {
	store, _, trees, _ := setup(t)
	require.NoError(t, store.Create("dev"))
	state, err := store.Deploy("dev", "acme@1.0.0")
	require.NoError(t, err)

	newHash := hashutil.DigestBytes([]byte(`"42"`))
	newRoot, err := trees.Update(state.RootHash, domain.ParseDotted("outputs.result"), domain.ValueRef(newHash, "string"))
	require.NoError(t, err)

	require.NoError(t, store.SetRoot("dev", newRoot))
	updated, err := store.GetState("dev")
	require.NoError(t, err)
	require.Equal(t, newRoot, updated.RootHash)
}

func TestStore_RemoveAndExport(t *testing.T) {
	store, _, _, _ := setup(t)
	require.NoError(t, store.Create("dev"))
	_, err := store.Deploy("dev", "acme@1.0.0")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, store.Export("dev", &buf))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)

	require.NoError(t, store.Remove("dev"))
	_, err = store.GetState("dev")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
