package commands_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.trai.ch/e3/cmd/e3/commands"
	"go.trai.ch/e3/internal/adapters/advisorylock"
	"go.trai.ch/e3/internal/adapters/codec"
	"go.trai.ch/e3/internal/adapters/datatree"
	"go.trai.ch/e3/internal/adapters/discovery"
	"go.trai.ch/e3/internal/adapters/executionstore"
	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/adapters/statestore"
	"go.trai.ch/e3/internal/adapters/taskrunner"
	"go.trai.ch/e3/internal/adapters/workspacestore"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/engine/planner"
	"go.trai.ch/e3/internal/orchestrator"
)

// newTestEngine wires the same adapters the real composition root does,
// swapping in a MockTaskRunner so these tests never shell out to a process.
func newTestEngine(t *testing.T, repoDir string) *orchestrator.Engine {
	t.Helper()
	objects, err := objectstore.New(repoDir)
	require.NoError(t, err)
	trees := datatree.New(objects)
	execs, err := executionstore.New(repoDir)
	require.NoError(t, err)
	states, err := statestore.New(repoDir)
	require.NoError(t, err)
	packages, err := packageloader.New(repoDir, objects)
	require.NoError(t, err)
	workspaces, err := workspacestore.New(repoDir, objects, trees, packages)
	require.NoError(t, err)
	locks, err := advisorylock.New(repoDir)
	require.NoError(t, err)

	return &orchestrator.Engine{
		Objects: objects, Trees: trees, Execs: execs, States: states,
		Workspaces: workspaces, Locks: locks, Packages: packages,
		Planner: planner.New(trees), Runner: taskrunner.NewMock(), Codec: codec.New(),
		Hasher: hashutil.New(),
	}
}

// importDemoPackage writes a one-task package's objects straight into the
// store (bypassing the zip transport, since every object it would otherwise
// verify is already present under its claimed hash) and imports it.
func importDemoPackage(t *testing.T, e *orchestrator.Engine) domain.Hash {
	t.Helper()

	task := domain.Task{Name: domain.NewInternedString("a"), Output: domain.NewTreePath("a")}
	raw, err := packageloader.EncodeTask(task)
	require.NoError(t, err)
	taskHash, err := e.Objects.Write(raw)
	require.NoError(t, err)

	datasetsRoot, err := e.Trees.WriteTree(map[string]domain.DataRef{"a": domain.UnassignedRef()})
	require.NoError(t, err)

	pkgJSON := fmt.Sprintf(`{"name":"demo","version":"v1","datasetsRoot":%q,"tasks":{"a":%q}}`,
		datasetsRoot.String(), taskHash.String())
	pkgHash, err := e.Objects.Write([]byte(pkgJSON))
	require.NoError(t, err)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	require.NoError(t, zw.Close())
	ref, err := e.Packages.Import("demo", "v1", pkgHash, bytes.NewReader(zipBuf.Bytes()), int64(zipBuf.Len()), false)
	require.NoError(t, err)
	return ref.Hash
}

func newTestCLI(engine *orchestrator.Engine) *commands.CLI {
	orch := orchestrator.New(func(string) (*orchestrator.Engine, error) { return engine, nil })
	return commands.New(orch, discovery.New())
}

func TestDeployRunStatusEvents(t *testing.T) {
	repoDir := t.TempDir()
	engine := newTestEngine(t, repoDir)
	importDemoPackage(t, engine)

	cli := newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "deploy", "ws1", "demo@v1"})
	require.NoError(t, cli.Execute(context.Background()))

	cli = newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "run", "ws1"})
	require.NoError(t, cli.Execute(context.Background()))

	cli = newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "status", "ws1"})
	require.NoError(t, cli.Execute(context.Background()))

	cli = newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "events", "ws1"})
	require.NoError(t, cli.Execute(context.Background()))
}

func TestStateBackendFlag_RejectsUnknownValue(t *testing.T) {
	repoDir := t.TempDir()
	engine := newTestEngine(t, repoDir)

	cli := newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "--state-backend", "bogus", "package", "list"})
	require.Error(t, cli.Execute(context.Background()))
}

func TestPackageImportAndList(t *testing.T) {
	repoDir := t.TempDir()
	engine := newTestEngine(t, repoDir)

	task := domain.Task{Name: domain.NewInternedString("a"), Output: domain.NewTreePath("a")}
	raw, err := packageloader.EncodeTask(task)
	require.NoError(t, err)
	taskHash, err := engine.Objects.Write(raw)
	require.NoError(t, err)
	datasetsRoot, err := engine.Trees.WriteTree(map[string]domain.DataRef{"a": domain.UnassignedRef()})
	require.NoError(t, err)
	pkgJSON := fmt.Sprintf(`{"name":"demo","version":"v1","datasetsRoot":%q,"tasks":{"a":%q}}`,
		datasetsRoot.String(), taskHash.String())
	pkgHash, err := engine.Objects.Write([]byte(pkgJSON))
	require.NoError(t, err)

	zipPath := filepath.Join(t.TempDir(), "demo.zip")
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(zipPath, zipBuf.Bytes(), 0o600))

	cli := newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "package", "import", "demo", "v1", pkgHash.String(), zipPath})
	require.NoError(t, cli.Execute(context.Background()))

	cli = newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "package", "list"})
	require.NoError(t, cli.Execute(context.Background()))
}

func TestLockStatus_NoLockHeld(t *testing.T) {
	repoDir := t.TempDir()
	engine := newTestEngine(t, repoDir)

	cli := newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "lock-status", "ws1"})
	require.NoError(t, cli.Execute(context.Background()))
}

func TestGC_DryRun(t *testing.T) {
	repoDir := t.TempDir()
	engine := newTestEngine(t, repoDir)

	cli := newTestCLI(engine)
	cli.SetArgs([]string{"--repo", repoDir, "gc", "--dry-run"})
	require.NoError(t, cli.Execute(context.Background()))
}

func TestVersion(t *testing.T) {
	cli := newTestCLI(newTestEngine(t, t.TempDir()))
	cli.SetArgs([]string{"version"})
	require.NoError(t, cli.Execute(context.Background()))
}
