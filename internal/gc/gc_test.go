package gc_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.trai.ch/e3/internal/adapters/datatree"
	"go.trai.ch/e3/internal/adapters/executionstore"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/adapters/workspacestore"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/gc"
)

type fixture struct {
	repoDir    string
	objects    *objectstore.Store
	trees      *datatree.Engine
	workspaces *workspacestore.Store
	packages   *packageloader.Loader
	execs      *executionstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	objects, err := objectstore.New(dir)
	require.NoError(t, err)
	trees := datatree.New(objects)
	packages, err := packageloader.New(dir, objects)
	require.NoError(t, err)
	workspaces, err := workspacestore.New(dir, objects, trees, packages)
	require.NoError(t, err)
	execs, err := executionstore.New(dir)
	require.NoError(t, err)
	return &fixture{repoDir: dir, objects: objects, trees: trees, workspaces: workspaces, packages: packages, execs: execs}
}

// deployPackage writes a one-task package directly into the object store
// (bypassing zip transport the way orchestrator_test.go does) and deploys
// it into workspace.
func (f *fixture) deployPackage(t *testing.T, workspace string) (taskHash domain.Hash) {
	t.Helper()
	task := domain.Task{Name: domain.NewInternedString("a"), Output: domain.NewTreePath("a")}
	rawTask, err := packageloader.EncodeTask(task)
	require.NoError(t, err)
	taskHash, err = f.objects.Write(rawTask)
	require.NoError(t, err)

	datasetsRoot, err := f.trees.WriteTree(map[string]domain.DataRef{"a": domain.UnassignedRef()})
	require.NoError(t, err)

	pkgJSON := fmt.Sprintf(`{"name":"demo","version":"v1","datasetsRoot":%q,"tasks":{"a":%q}}`,
		datasetsRoot.String(), taskHash.String())
	pkgHash, err := f.objects.Write([]byte(pkgJSON))
	require.NoError(t, err)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	require.NoError(t, zw.Close())
	_, err = f.packages.Import("demo", "v1", pkgHash, bytes.NewReader(zipBuf.Bytes()), int64(zipBuf.Len()), false)
	require.NoError(t, err)

	require.NoError(t, f.workspaces.Create(workspace))
	_, err = f.workspaces.Deploy(workspace, "demo@v1")
	require.NoError(t, err)
	return taskHash
}

func touchOld(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestCollector_RetainsReachableObjects(t *testing.T) {
	f := newFixture(t)
	taskHash := f.deployPackage(t, "ws1")

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{MinAge: time.Millisecond})
	require.NoError(t, err)

	require.Zero(t, report.DeletedObjects)
	require.GreaterOrEqual(t, report.RetainedObjects, 3) // task object, datasets tree, package object

	exists, err := f.objects.Exists(taskHash)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCollector_SweepsUnreachableObjectsPastMinAge(t *testing.T) {
	f := newFixture(t)
	f.deployPackage(t, "ws1")

	orphan, err := f.objects.Write([]byte("nobody references this"))
	require.NoError(t, err)
	prefix, suffix := orphan.Shard()
	touchOld(t, filepath.Join(f.repoDir, "objects", prefix, suffix), time.Hour)

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{MinAge: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 1, report.DeletedObjects)

	exists, err := f.objects.Exists(orphan)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCollector_SkipsYoungUnreachableObjects(t *testing.T) {
	f := newFixture(t)
	f.deployPackage(t, "ws1")

	orphan, err := f.objects.Write([]byte("freshly written, not yet linked"))
	require.NoError(t, err)

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{MinAge: time.Hour})
	require.NoError(t, err)
	require.Zero(t, report.DeletedObjects)
	require.Equal(t, 1, report.SkippedYoung)

	exists, err := f.objects.Exists(orphan)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCollector_DryRunDeletesNothing(t *testing.T) {
	f := newFixture(t)
	f.deployPackage(t, "ws1")

	orphan, err := f.objects.Write([]byte("orphan"))
	require.NoError(t, err)
	prefix, suffix := orphan.Shard()
	touchOld(t, filepath.Join(f.repoDir, "objects", prefix, suffix), time.Hour)

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{DryRun: true, MinAge: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 1, report.DeletedObjects)

	exists, err := f.objects.Exists(orphan)
	require.NoError(t, err)
	require.True(t, exists, "dry run must not delete")
}

func TestCollector_RunningExecutionKeepsInputsAlive(t *testing.T) {
	f := newFixture(t)
	taskHash := f.deployPackage(t, "ws1")

	input, err := f.objects.Write([]byte("input blob for a running task"))
	require.NoError(t, err)
	prefix, suffix := input.Shard()
	touchOld(t, filepath.Join(f.repoDir, "objects", prefix, suffix), time.Hour)

	inputsHash, err := f.objects.Write([]byte("inputs-digest-key"))
	require.NoError(t, err)
	require.NoError(t, f.execs.Put(taskHash, inputsHash, domain.ExecutionRecord{
		Kind:        domain.RecordRunning,
		InputHashes: []domain.Hash{input},
		StartedAt:   time.Now(),
		PID:         os.Getpid(),
	}))

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{MinAge: time.Minute})
	require.NoError(t, err)
	require.Zero(t, report.DeletedObjects)

	exists, err := f.objects.Exists(input)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCollector_SweepsOrphanPartials(t *testing.T) {
	f := newFixture(t)
	f.deployPackage(t, "ws1")

	partialDir := filepath.Join(f.repoDir, "objects", "ab")
	require.NoError(t, os.MkdirAll(partialDir, 0o750))
	partialPath := filepath.Join(partialDir, "leftover.partial")
	require.NoError(t, os.WriteFile(partialPath, []byte("incomplete write"), 0o644))
	touchOld(t, partialPath, time.Hour)

	c := gc.New(f.repoDir, f.objects, f.trees, f.workspaces, f.packages, f.execs, nil)
	report, err := c.Run(context.Background(), gc.Options{MinAge: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 1, report.DeletedPartials)
	_, statErr := os.Stat(partialPath)
	require.True(t, os.IsNotExist(statErr))
}
