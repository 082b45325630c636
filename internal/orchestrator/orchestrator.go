// Package orchestrator implements the orchestrator facade (component K):
// the per-repository singleton map of schedulers and state stores that the
// CLI and HTTP surfaces call into instead of touching the engine directly,
// mirroring the way the original CLI calls only into a single app package.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"go.trai.ch/e3/internal/adapters/advisorylock"
	"go.trai.ch/e3/internal/adapters/boltstate"
	"go.trai.ch/e3/internal/adapters/codec"
	"go.trai.ch/e3/internal/adapters/datatree"
	"go.trai.ch/e3/internal/adapters/executionstore"
	"go.trai.ch/e3/internal/adapters/hashutil"
	"go.trai.ch/e3/internal/adapters/logger"
	"go.trai.ch/e3/internal/adapters/nix"
	"go.trai.ch/e3/internal/adapters/objectstore"
	"go.trai.ch/e3/internal/adapters/packageloader"
	"go.trai.ch/e3/internal/adapters/statestore"
	"go.trai.ch/e3/internal/adapters/taskrunner"
	"go.trai.ch/e3/internal/adapters/telemetry/progrock"
	"go.trai.ch/e3/internal/adapters/workspacestore"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/e3/internal/engine/planner"
	"go.trai.ch/e3/internal/engine/scheduler"
)

// Engine bundles one repository's adapters, constructed once per repo path
// and cached for the lifetime of the Orchestrator.
type Engine struct {
	Objects    ports.ObjectStore
	Trees      ports.TreeStore
	Execs      ports.ExecutionStore
	States     ports.StateStore
	Workspaces ports.WorkspaceStore
	Locks      ports.LockService
	Packages   ports.PackageLoader
	Planner    *planner.Planner
	Runner     ports.TaskRunner
	Codec      ports.Codec
	Hasher     ports.Hasher
	Logger     ports.Logger
}

// Execution state store backends selectable via Orchestrator.SetStateBackend.
const (
	StateBackendFile = "file"
	StateBackendBolt = "bolt"
)

// newDefaultEngine composes an Engine from the real filesystem-backed
// adapters, the same manual-wiring style the original composition root uses.
// stateBackend picks between the plain-file state store and the bbolt-backed
// alternative; an unrecognized value is an ErrInvalid.
func newDefaultEngine(repoDir, stateBackend string) (*Engine, error) {
	objects, err := objectstore.New(repoDir)
	if err != nil {
		return nil, err
	}
	trees := datatree.New(objects)
	execs, err := executionstore.New(repoDir)
	if err != nil {
		return nil, err
	}
	states, err := newStateStore(repoDir, stateBackend)
	if err != nil {
		return nil, err
	}
	packages, err := packageloader.New(repoDir, objects)
	if err != nil {
		return nil, err
	}
	workspaces, err := workspacestore.New(repoDir, objects, trees, packages)
	if err != nil {
		return nil, err
	}
	locks, err := advisorylock.New(repoDir)
	if err != nil {
		return nil, err
	}

	cdc := codec.New()
	telem := progrock.New()
	resolver, err := nix.NewResolver()
	if err != nil {
		return nil, err
	}
	envs := nix.NewEnvFactory(resolver, telem)
	runner := taskrunner.New(objects, cdc, envs, telem)

	return &Engine{
		Objects:    objects,
		Trees:      trees,
		Execs:      execs,
		States:     states,
		Workspaces: workspaces,
		Locks:      locks,
		Packages:   packages,
		Planner:    planner.New(trees),
		Runner:     runner,
		Codec:      cdc,
		Hasher:     hashutil.New(),
		Logger:     logger.New(),
	}, nil
}

// newStateStore picks the execution state store backend by name.
func newStateStore(repoDir, stateBackend string) (ports.StateStore, error) {
	switch stateBackend {
	case "", StateBackendFile:
		return statestore.New(repoDir)
	case StateBackendBolt:
		return boltstate.New(repoDir)
	default:
		return nil, domain.WithField(domain.ErrInvalid, "state_backend", stateBackend)
	}
}

// ExecutionHandle identifies one in-flight or completed dataflow run.
type ExecutionHandle struct {
	ID        string
	Repo      string
	Workspace string
}

// StartOptions configures one Start call.
type StartOptions struct {
	Concurrency int
	Force       bool
	Filter      []string
}

// WaitResult is the summary wait returns once an execution reaches a
// terminal status.
type WaitResult struct {
	Success  bool
	Executed int
	Cached   int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// StatusSummary is the compact, persisted-state-derived view getStatus
// returns: task names grouped by their current status.
type StatusSummary struct {
	Status    domain.ExecutionStatus
	Completed []string
	Running   []string
	Pending   []string
	Failed    []string
	Skipped   []string
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *domain.DataflowExecutionState
	err    error
}

// Orchestrator is the component K facade: Start/Wait/GetStatus/Cancel/
// GetEvents over the resumable scheduler (J), keyed by repository and
// execution handle.
type Orchestrator struct {
	newEngine func(repoDir string) (*Engine, error)

	mu           sync.Mutex
	engines      map[string]*Engine
	runs         map[string]*run
	stateBackend string
}

// New creates an Orchestrator using newEngine to construct a repo's adapter
// bundle on first use. Pass newDefaultEngine-equivalent wiring in
// production; tests can substitute a factory backed by in-memory adapters.
func New(newEngine func(repoDir string) (*Engine, error)) *Orchestrator {
	return &Orchestrator{
		newEngine: newEngine,
		engines:   make(map[string]*Engine),
		runs:      make(map[string]*run),
	}
}

// NewDefault creates an Orchestrator backed by the real filesystem adapters,
// using the file-based state store until SetStateBackend says otherwise.
func NewDefault() *Orchestrator {
	o := &Orchestrator{
		engines:      make(map[string]*Engine),
		runs:         make(map[string]*run),
		stateBackend: StateBackendFile,
	}
	o.newEngine = func(repoDir string) (*Engine, error) {
		o.mu.Lock()
		backend := o.stateBackend
		o.mu.Unlock()
		return newDefaultEngine(repoDir, backend)
	}
	return o
}

// SetStateBackend selects the execution state store backend ("file" or
// "bolt") newDefaultEngine uses for engines constructed from this point on.
// Repos whose engine already exists keep whatever backend they were built
// with; call this before the first command touches a given repo, as the
// CLI's root command does from its --state-backend flag.
func (o *Orchestrator) SetStateBackend(backend string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateBackend = backend
}

// Engine returns repoDir's adapter bundle, constructing it on first use.
// GC and package-import CLI routes call this directly instead of going
// through Start/Wait, since they don't run a dataflow execution.
func (o *Orchestrator) Engine(repoDir string) (*Engine, error) {
	return o.engineFor(repoDir)
}

func (o *Orchestrator) engineFor(repoDir string) (*Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.engines[repoDir]; ok {
		return e, nil
	}
	e, err := o.newEngine(repoDir)
	if err != nil {
		return nil, err
	}
	o.engines[repoDir] = e
	return e, nil
}

// Start acquires the workspace lock under LockOperationDataflow, plans the
// deployed package into a graph, and launches a scheduler run in the
// background. The lock is held for the run's lifetime and released when it
// reaches a terminal status, regardless of outcome.
func (o *Orchestrator) Start(repoDir, workspace string, opts StartOptions) (ExecutionHandle, error) {
	engine, err := o.engineFor(repoDir)
	if err != nil {
		return ExecutionHandle{}, err
	}

	lock, err := engine.Locks.Acquire(workspace, domain.LockOperationDataflow)
	if err != nil {
		return ExecutionHandle{}, err
	}

	ws, err := engine.Workspaces.GetState(workspace)
	if err != nil {
		lock.Release() //nolint:errcheck
		return ExecutionHandle{}, err
	}
	pkg, err := engine.Packages.Load(ws.PackageHash)
	if err != nil {
		lock.Release() //nolint:errcheck
		return ExecutionHandle{}, err
	}
	graph, err := engine.Planner.Plan(pkg)
	if err != nil {
		lock.Release() //nolint:errcheck
		return ExecutionHandle{}, err
	}

	sched := scheduler.New(repoDir, workspace, graph, engine.Runner, engine.Execs,
		engine.States, engine.Trees, engine.Workspaces, engine.Objects, engine.Codec,
		engine.Hasher, engine.Logger)

	runCtx, cancel := context.WithCancel(context.Background())
	handle := ExecutionHandle{ID: ulid.Make().String(), Repo: repoDir, Workspace: workspace}
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.runs[handle.ID] = r
	o.mu.Unlock()

	go func() {
		defer close(r.done)
		defer lock.Release() //nolint:errcheck
		exec, runErr := sched.Run(runCtx, scheduler.Config{
			Concurrency: opts.Concurrency, Force: opts.Force, Filter: opts.Filter,
		})
		r.mu.Lock()
		r.result, r.err = exec, runErr
		r.mu.Unlock()
	}()

	return handle, nil
}

// Wait blocks until handle's execution reaches a terminal status.
func (o *Orchestrator) Wait(handle ExecutionHandle) (WaitResult, error) {
	r, err := o.lookupRun(handle)
	if err != nil {
		return WaitResult{}, err
	}
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return WaitResult{}, r.err
	}
	exec := r.result
	var duration time.Duration
	if exec.CompletedAt != nil {
		duration = exec.CompletedAt.Sub(exec.StartedAt)
	}
	return WaitResult{
		Success:  exec.Status == domain.ExecutionCompletedStatus,
		Executed: exec.Counters.Executed,
		Cached:   exec.Counters.Cached,
		Failed:   exec.Counters.Failed,
		Skipped:  exec.Counters.Skipped,
		Duration: duration,
	}, nil
}

// GetStatus derives a compact summary from the persisted execution state,
// so it reflects an in-flight run without touching the live scheduler.
func (o *Orchestrator) GetStatus(handle ExecutionHandle) (StatusSummary, error) {
	engine, err := o.engineFor(handle.Repo)
	if err != nil {
		return StatusSummary{}, err
	}
	state, err := engine.States.Load(handle.Repo, handle.Workspace)
	if err != nil {
		return StatusSummary{}, err
	}
	if state == nil {
		return StatusSummary{}, domain.WithField(domain.ErrNotFound, "execution", handle.ID)
	}

	summary := StatusSummary{Status: state.Status}
	for name, ts := range state.Tasks {
		switch ts.Status {
		case domain.TaskCompleted:
			summary.Completed = append(summary.Completed, name)
		case domain.TaskInProgress:
			summary.Running = append(summary.Running, name)
		case domain.TaskFailed:
			summary.Failed = append(summary.Failed, name)
		case domain.TaskSkipped:
			summary.Skipped = append(summary.Skipped, name)
		default: // pending, ready
			summary.Pending = append(summary.Pending, name)
		}
	}
	sort.Strings(summary.Completed)
	sort.Strings(summary.Running)
	sort.Strings(summary.Pending)
	sort.Strings(summary.Failed)
	sort.Strings(summary.Skipped)
	return summary, nil
}

// Cancel signals the scheduler running handle's execution to stop.
func (o *Orchestrator) Cancel(handle ExecutionHandle) error {
	r, err := o.lookupRun(handle)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// GetEvents returns handle's persisted events with Seq > sinceSeq, in
// order, for HTTP-style polling.
func (o *Orchestrator) GetEvents(handle ExecutionHandle, sinceSeq uint64) ([]domain.ExecutionEvent, error) {
	engine, err := o.engineFor(handle.Repo)
	if err != nil {
		return nil, err
	}
	state, err := engine.States.Load(handle.Repo, handle.Workspace)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.WithField(domain.ErrNotFound, "execution", handle.ID)
	}
	return state.EventsSince(sinceSeq), nil
}

func (o *Orchestrator) lookupRun(handle ExecutionHandle) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[handle.ID]
	if !ok {
		return nil, domain.WithField(domain.ErrNotFound, "execution", handle.ID)
	}
	return r, nil
}
