package scheduler_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.trai.ch/e3/internal/adapters/codec"
	"go.trai.ch/e3/internal/adapters/datatree"
	"go.trai.ch/e3/internal/adapters/executionstore"
	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/procstate"
	"go.trai.ch/e3/internal/adapters/statestore"
	"go.trai.ch/e3/internal/adapters/taskrunner"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/e3/internal/engine/scheduler"
)

// fakeWorkspaces is a minimal in-memory ports.WorkspaceStore test double:
// the scheduler only ever calls GetState/SetRoot against one already
// "deployed" workspace, so there is no need to exercise the real
// package-ref resolution Deploy does.
type fakeWorkspaces struct {
	state domain.WorkspaceState
}

func (f *fakeWorkspaces) Create(string) error { return nil }

func (f *fakeWorkspaces) Deploy(string, string) (domain.WorkspaceState, error) {
	return f.state, nil
}

func (f *fakeWorkspaces) GetState(string) (domain.WorkspaceState, error) {
	return f.state, nil
}

func (f *fakeWorkspaces) SetRoot(_ string, newRoot domain.Hash) error {
	f.state.RootHash = newRoot
	f.state.RootUpdatedAt = time.Now()
	return nil
}

func (f *fakeWorkspaces) Remove(string) error { return nil }

func (f *fakeWorkspaces) List() ([]string, error) { return nil, nil }

func (f *fakeWorkspaces) Export(string, io.Writer) error { return nil }

var _ ports.WorkspaceStore = (*fakeWorkspaces)(nil)

// fixture wires a scheduler over real adapters for everything except the
// workspace store, which stays a fake since Deploy needs a full package
// loader round trip this package has no reason to exercise.
type fixture struct {
	objects    ports.ObjectStore
	trees      ports.TreeStore
	execs      ports.ExecutionStore
	states     ports.StateStore
	workspaces *fakeWorkspaces
	codec      ports.Codec
	hasher     ports.Hasher
	runner     *taskrunner.MockTaskRunner
}

func newFixture(t *testing.T, initialRoot map[string]domain.DataRef) *fixture {
	t.Helper()
	dir := t.TempDir()
	objects, err := objectstore.New(dir)
	require.NoError(t, err)
	trees := datatree.New(objects)
	execs, err := executionstore.New(dir)
	require.NoError(t, err)

	root, err := trees.WriteTree(initialRoot)
	require.NoError(t, err)

	return &fixture{
		objects: objects,
		trees:   trees,
		execs:   execs,
		states:  statestore.NewMemory(),
		workspaces: &fakeWorkspaces{
			state: domain.WorkspaceState{RootHash: root, DeployedAt: time.Now()},
		},
		codec:  codec.New(),
		hasher: hashutil.New(),
		runner: taskrunner.NewMock(),
	}
}

func (f *fixture) scheduler(repo, workspace string, graph *domain.DataflowGraph) *scheduler.Scheduler {
	return scheduler.New(repo, workspace, graph, f.runner, f.execs, f.states,
		f.trees, f.workspaces, f.objects, f.codec, f.hasher, nil)
}

// buildGraph wires a simple two-task chain: task "a" writes dataset "a"
// from no inputs, task "b" reads "a" and writes "b".
func buildGraph(t *testing.T, taskHashA, taskHashB domain.Hash) *domain.DataflowGraph {
	t.Helper()
	g := domain.NewDataflowGraph()
	require.NoError(t, g.AddTask(domain.GraphTask{
		Task: domain.Task{
			Name:   domain.NewInternedString("a"),
			Output: domain.NewTreePath("a"),
		},
		TaskHash: taskHashA,
	}))
	require.NoError(t, g.AddTask(domain.GraphTask{
		Task: domain.Task{
			Name:   domain.NewInternedString("b"),
			Inputs: []domain.TreePath{domain.NewTreePath("a")},
			Output: domain.NewTreePath("b"),
		},
		TaskHash:     taskHashB,
		Dependencies: []domain.InternedString{domain.NewInternedString("a")},
	}))
	require.NoError(t, g.Validate())
	g.SetHash(hashutil.DigestBytes([]byte("test-graph")))
	return g
}

func TestScheduler_LinearChainRunsToCompletion(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})
	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	exec, err := s.Run(context.Background(), scheduler.Config{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompletedStatus, exec.Status)
	require.Equal(t, 2, exec.Counters.Executed)
	require.Equal(t, domain.TaskCompleted, exec.Tasks["a"].Status)
	require.Equal(t, domain.TaskCompleted, exec.Tasks["b"].Status)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, taskHashA, calls[0].TaskHash)
	require.Equal(t, taskHashB, calls[1].TaskHash)
}

func TestScheduler_CacheHitSkipsRunner(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))
	cachedOutput := hashutil.DigestBytes([]byte("cached-a-output"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})

	emptyInputsHash, err := f.hasher.Digest(bytes.NewReader(nil))
	require.NoError(t, err)
	require.NoError(t, f.execs.Put(taskHashA, emptyInputsHash, domain.ExecutionRecord{
		Kind:       domain.RecordSuccess,
		OutputHash: cachedOutput,
	}))

	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	exec, err := s.Run(context.Background(), scheduler.Config{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompletedStatus, exec.Status)
	require.Equal(t, 1, exec.Counters.Cached)
	require.Equal(t, 1, exec.Counters.Executed)
	require.Equal(t, cachedOutput, exec.Tasks["a"].OutputHash)

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, taskHashB, calls[0].TaskHash)
}

func TestScheduler_FailureCascadesSkip(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})
	f.runner.SetResult(taskHashA, ports.TaskResult{Kind: ports.TaskResultFailed, ExitCode: 1})

	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	exec, err := s.Run(context.Background(), scheduler.Config{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionFailedStatus, exec.Status)
	require.Equal(t, domain.TaskFailed, exec.Tasks["a"].Status)
	require.Equal(t, domain.TaskSkipped, exec.Tasks["b"].Status)
	require.Equal(t, 1, exec.Counters.Failed)
	require.Equal(t, 1, exec.Counters.Skipped)

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
}

func TestScheduler_ContextCancellation(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})
	gate := make(chan struct{}) // never closed
	f.runner.BlockUntil(taskHashA, gate)

	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := s.Run(ctx, scheduler.Config{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCancelledStatus, exec.Status)
}

func TestScheduler_OverwritesStaleRunningRecord(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})

	emptyInputsHash, err := f.hasher.Digest(bytes.NewReader(nil))
	require.NoError(t, err)
	require.NoError(t, f.execs.Put(taskHashA, emptyInputsHash, domain.ExecutionRecord{
		Kind:      domain.RecordRunning,
		StartedAt: time.Now().Add(-time.Hour),
		PID:       0, // no real process has pid 0: always dead.
		BootID:    "not-the-current-boot-id",
	}))

	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	exec, err := s.Run(context.Background(), scheduler.Config{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompletedStatus, exec.Status)
	require.Equal(t, domain.TaskCompleted, exec.Tasks["a"].Status)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
}

func TestScheduler_ErrorsOnLiveRunningRecord(t *testing.T) {
	taskHashA := hashutil.DigestBytes([]byte("task-a"))
	taskHashB := hashutil.DigestBytes([]byte("task-b"))

	f := newFixture(t, map[string]domain.DataRef{
		"a": domain.UnassignedRef(),
		"b": domain.UnassignedRef(),
	})

	pid := os.Getpid()
	emptyInputsHash, err := f.hasher.Digest(bytes.NewReader(nil))
	require.NoError(t, err)
	require.NoError(t, f.execs.Put(taskHashA, emptyInputsHash, domain.ExecutionRecord{
		Kind:         domain.RecordRunning,
		StartedAt:    time.Now(),
		PID:          pid,
		PIDStartTime: procstate.ProcessStartTime(pid),
		BootID:       procstate.CurrentBootID(),
	}))

	g := buildGraph(t, taskHashA, taskHashB)
	s := f.scheduler("repo1", "ws1", g)

	_, err = s.Run(context.Background(), scheduler.Config{Concurrency: 2})
	require.ErrorIs(t, err, domain.ErrTaskAlreadyRunning)

	calls := f.runner.Calls()
	require.Len(t, calls, 0)
}
