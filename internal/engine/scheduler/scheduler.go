// Package scheduler implements the resumable dataflow execution scheduler
// (component J): a single logical dispatch thread driving a per-task state
// machine, with task runners executed concurrently behind ports.TaskRunner.
package scheduler

import (
	"bytes"
	"context"
	"os"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"go.trai.ch/e3/internal/adapters/procstate"
	"go.trai.ch/e3/internal/adapters/telemetry"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

// Config configures one Run.
type Config struct {
	// Concurrency bounds the number of runner dispatches in flight.
	// Values <= 0 are treated as 1.
	Concurrency int
	// Force bypasses the execution record cache: every task in scope runs
	// even if a matching success record exists.
	Force bool
	// Filter restricts the run to these task names plus their transitive
	// dependencies. Empty means every task in the graph.
	Filter []string
}

// Scheduler drives one workspace's dataflow execution to completion (or
// cancellation), persisting state after every event.
type Scheduler struct {
	repo      string
	workspace string
	graph     *domain.DataflowGraph

	runner     ports.TaskRunner
	execs      ports.ExecutionStore
	states     ports.StateStore
	trees      ports.TreeStore
	workspaces ports.WorkspaceStore
	objects    ports.ObjectStore
	codec      ports.Codec
	hasher     ports.Hasher
	logger     ports.Logger

	// checkLock, when set, is polled immediately before every state
	// persist; a non-nil return is treated as the workspace lock having
	// been lost out from under the execution (spec's WorkspaceLockLost).
	checkLock func() error
}

// New creates a Scheduler for one workspace's already-planned graph.
func New(
	repo, workspace string,
	graph *domain.DataflowGraph,
	runner ports.TaskRunner,
	execs ports.ExecutionStore,
	states ports.StateStore,
	trees ports.TreeStore,
	workspaces ports.WorkspaceStore,
	objects ports.ObjectStore,
	codec ports.Codec,
	hasher ports.Hasher,
	logger ports.Logger,
) *Scheduler {
	return &Scheduler{
		repo: repo, workspace: workspace, graph: graph,
		runner: runner, execs: execs, states: states, trees: trees,
		workspaces: workspaces, objects: objects, codec: codec, hasher: hasher,
		logger: logger,
	}
}

// WithLockCheck installs a callback the scheduler polls before every
// persist, returning early with ErrLockLost if it reports the caller's
// lock handle is no longer valid. The orchestrator, which owns the lock
// handle, is the only expected caller of this setter.
func (s *Scheduler) WithLockCheck(fn func() error) *Scheduler {
	s.checkLock = fn
	return s
}

type runState struct {
	s    *Scheduler
	ctx  context.Context
	cfg  Config
	exec *domain.DataflowExecutionState

	scope map[string]bool // task name -> in scope

	ready    []domain.InternedString
	inFlight int
	sem      *semaphore.Weighted
	results  chan taskResult

	cancelled bool
	fatal     error
}

type taskResult struct {
	name domain.InternedString
	r    ports.TaskResult
	err  error
}

// Run executes the graph to a terminal status, persisting
// DataflowExecutionState after every event. If a prior execution for this
// workspace is persisted and its GraphHash matches graph's, Run resumes
// from the persisted per-task status; a mismatch fails with ErrGraphDrift.
func (s *Scheduler) Run(ctx context.Context, cfg Config) (*domain.DataflowExecutionState, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	scope, err := s.resolveScope(cfg.Filter)
	if err != nil {
		return nil, err
	}

	exec, fresh, err := s.loadOrInit(cfg, scope)
	if err != nil {
		return nil, err
	}

	rs := &runState{
		s: s, ctx: ctx, cfg: cfg, exec: exec, scope: scope,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		results: make(chan taskResult, cfg.Concurrency),
	}

	if fresh {
		if err := rs.initialize(); err != nil {
			return nil, err
		}
	} else {
		rs.ready = rs.computeReady()
		if rs.fatal != nil {
			return exec, rs.fatal
		}
	}

	for !rs.isDone() {
		if err := rs.dispatch(); err != nil {
			return exec, err
		}
		if rs.isDone() {
			break
		}
		if rs.cancelled {
			// Cancellation already observed: drain remaining in-flight
			// runners (each honours ctx and returns promptly) without
			// re-selecting on the already-fired ctx.Done.
			res := <-rs.results
			rs.inFlight--
			if err := rs.handleResult(res); err != nil {
				return exec, err
			}
			continue
		}
		select {
		case res := <-rs.results:
			rs.inFlight--
			if err := rs.handleResult(res); err != nil {
				return exec, err
			}
		case <-ctx.Done():
			if err := rs.handleCancel(); err != nil {
				return exec, err
			}
		}
	}

	if rs.fatal != nil {
		return exec, rs.fatal
	}
	return exec, rs.finish()
}

// resolveScope expands filter (target task names) to the set of task names
// to run: filter plus every transitive dependency, mirroring the original
// target/collectDependencies split. An empty filter selects every task.
func (s *Scheduler) resolveScope(filter []string) (map[string]bool, error) {
	if len(filter) == 0 {
		scope := make(map[string]bool, s.graph.TaskCount())
		for t := range s.graph.Walk() {
			scope[t.Name.String()] = true
		}
		return scope, nil
	}

	scope := make(map[string]bool)
	var queue []domain.InternedString
	for _, name := range filter {
		n := domain.NewInternedString(name)
		if _, ok := s.graph.GetTask(n); !ok {
			return nil, domain.WithField(domain.ErrNotFound, "task", name)
		}
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if scope[n.String()] {
			continue
		}
		scope[n.String()] = true
		t, _ := s.graph.GetTask(n)
		queue = append(queue, t.Dependencies...)
	}
	return scope, nil
}

func (s *Scheduler) loadOrInit(cfg Config, scope map[string]bool) (*domain.DataflowExecutionState, bool, error) {
	persisted, err := s.states.Load(s.repo, s.workspace)
	if err != nil {
		return nil, false, err
	}
	if persisted != nil {
		if persisted.GraphHash != s.graph.Hash() {
			return nil, false, domain.WithFields(domain.ErrGraphDrift,
				"persisted", persisted.GraphHash.String(), "current", s.graph.Hash().String())
		}
		return persisted, false, nil
	}

	filterCopy := append([]string(nil), cfg.Filter...)
	exec := &domain.DataflowExecutionState{
		ID:          ulid.Make().String(),
		Repo:        s.repo,
		Workspace:   s.workspace,
		StartedAt:   time.Now(),
		Concurrency: cfg.Concurrency,
		Force:       cfg.Force,
		Filter:      filterCopy,
		GraphHash:   s.graph.Hash(),
		Tasks:       make(map[string]domain.TaskState, len(scope)),
		Status:      domain.ExecutionRunningStatus,
	}
	for t := range s.graph.Walk() {
		if !scope[t.Name.String()] {
			continue
		}
		deps := make([]string, len(t.Dependencies))
		for i, d := range t.Dependencies {
			deps[i] = d.String()
		}
		exec.Tasks[t.Name.String()] = domain.TaskState{Status: domain.TaskPending, Deps: deps}
	}
	return exec, true, nil
}

func (rs *runState) initialize() error {
	if err := rs.s.appendAndPersist(rs.exec, domain.ExecutionEvent{Kind: domain.EventExecutionStarted}); err != nil {
		return err
	}
	rs.ready = rs.computeReady()
	return rs.fatal
}

// computeReady scans every non-terminal, non-ready task in scope and
// returns those whose dependencies are all completed and whose inputs all
// resolve on the current workspace root, sorted lexicographically so
// batches dispatch in deterministic order. Tasks whose dependencies are
// all done but whose inputs still don't resolve (an unassigned leaf
// dataset, never produced within this graph) are skipped in place.
func (rs *runState) computeReady() []domain.InternedString {
	s := rs.s
	root, err := s.currentRoot()
	if err != nil {
		rs.fatal = err
		return nil
	}

	var newlyReady, newlySkipped []string
	for name, ts := range rs.exec.Tasks {
		if ts.Status != domain.TaskPending {
			continue
		}
		if !rs.depsCompleted(name) {
			continue
		}
		t, _ := s.graph.GetTask(domain.NewInternedString(name))
		if rs.inputsResolved(root, t) {
			newlyReady = append(newlyReady, name)
		} else {
			newlySkipped = append(newlySkipped, name)
		}
	}
	sort.Strings(newlyReady)
	sort.Strings(newlySkipped)

	for _, name := range newlySkipped {
		t, _ := s.graph.GetTask(domain.NewInternedString(name))
		rs.skipUnresolved(name, t)
	}

	out := make([]domain.InternedString, 0, len(newlyReady))
	for _, name := range newlyReady {
		ts := rs.exec.Tasks[name]
		ts.Status = domain.TaskReady
		rs.exec.Tasks[name] = ts
		rs.persist(domain.ExecutionEvent{Kind: domain.EventTaskReady, TaskName: name})
		out = append(out, domain.NewInternedString(name))
	}
	return out
}

func (rs *runState) depsCompleted(name string) bool {
	for _, dep := range rs.exec.Tasks[name].Deps {
		if rs.exec.Tasks[dep].Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

func (rs *runState) inputsResolved(root domain.Hash, t domain.GraphTask) bool {
	for _, input := range t.Inputs {
		ref, err := rs.s.trees.Walk(root, input)
		if err != nil || ref.IsUnassigned() {
			return false
		}
	}
	return true
}

func (rs *runState) skipUnresolved(name string, t domain.GraphTask) {
	ts := rs.exec.Tasks[name]
	ts.Status = domain.TaskSkipped
	rs.exec.Tasks[name] = ts
	rs.exec.Counters.Skipped++
	telemetry.RecordSkipped(rs.ctx)
	rs.persist(domain.ExecutionEvent{
		Kind: domain.EventTaskSkipped, TaskName: name,
		Cause: "unassigned_input:" + firstUnresolvedInput(rs.s, t),
	})
}

func firstUnresolvedInput(s *Scheduler, t domain.GraphTask) string {
	root, err := s.currentRoot()
	if err != nil {
		return ""
	}
	for _, input := range t.Inputs {
		if ref, err := s.trees.Walk(root, input); err != nil || ref.IsUnassigned() {
			return input.Dotted()
		}
	}
	return ""
}

func (s *Scheduler) currentRoot() (domain.Hash, error) {
	state, err := s.workspaces.GetState(s.workspace)
	if err != nil {
		return domain.ZeroHash, err
	}
	return state.RootHash, nil
}

func (rs *runState) isDone() bool {
	if rs.fatal != nil {
		return true
	}
	if rs.inFlight > 0 {
		return false
	}
	if len(rs.ready) > 0 {
		return false
	}
	for _, ts := range rs.exec.Tasks {
		if ts.Status == domain.TaskInProgress {
			return false
		}
	}
	return true
}

// dispatch launches runner goroutines for ready tasks up to the
// concurrency limit, per the execution step algorithm's step 2.
func (rs *runState) dispatch() error {
	for len(rs.ready) > 0 && rs.ctx.Err() == nil {
		if !rs.sem.TryAcquire(1) {
			break
		}
		name := rs.ready[0]
		rs.ready = rs.ready[1:]

		dispatched, err := rs.dispatchOne(name)
		if err != nil {
			rs.sem.Release(1)
			return err
		}
		if !dispatched {
			rs.sem.Release(1)
		}
	}
	return nil
}

// dispatchOne handles one ready task: a cache hit completes synchronously
// (step 2.c); a miss launches the runner in a goroutine (step 2.d).
func (rs *runState) dispatchOne(name domain.InternedString) (bool, error) {
	s := rs.s
	t, _ := s.graph.GetTask(name)

	root, err := s.currentRoot()
	if err != nil {
		return false, err
	}
	inputHashes, err := rs.resolveInputHashes(root, t)
	if err != nil {
		return false, err
	}
	inputsHash, err := s.hashInputs(inputHashes)
	if err != nil {
		return false, err
	}

	if !rs.cfg.Force {
		rec, err := s.execs.Get(t.TaskHash, inputsHash)
		if err != nil {
			return false, err
		}
		if rec != nil && rec.Kind == domain.RecordSuccess {
			ts := rs.exec.Tasks[name.String()]
			ts.InputsHash = inputsHash
			rs.exec.Tasks[name.String()] = ts
			if err := rs.completeCached(name, t, rec.OutputHash); err != nil {
				return false, err
			}
			return false, nil
		}
		if rec != nil && rec.Kind == domain.RecordRunning {
			if procstate.Alive(rec.BootID, rec.PID, rec.PIDStartTime) {
				return false, domain.WithFields(domain.ErrTaskAlreadyRunning,
					"task", name.String(), "pid", rec.PID, "execution_id", rec.ExecutionID)
			}
			if s.logger != nil {
				s.logger.Warn("overwriting stale running record for " + name.String())
			}
		}
	}

	now := time.Now()
	ts := rs.exec.Tasks[name.String()]
	ts.Status = domain.TaskInProgress
	ts.InputsHash = inputsHash
	ts.StartedAt = &now
	rs.exec.Tasks[name.String()] = ts

	if err := s.execs.Put(t.TaskHash, inputsHash, domain.ExecutionRecord{
		Kind:         domain.RecordRunning,
		ExecutionID:  rs.exec.ID,
		StartedAt:    now,
		InputHashes:  inputHashes,
		PID:          os.Getpid(),
		PIDStartTime: procstate.ProcessStartTime(os.Getpid()),
		BootID:       procstate.CurrentBootID(),
	}); err != nil {
		return false, err
	}
	if err := rs.s.appendAndPersist(rs.exec, domain.ExecutionEvent{Kind: domain.EventTaskStarted, TaskName: name.String()}); err != nil {
		return false, err
	}

	rs.inFlight++
	go func() {
		defer rs.sem.Release(1)
		res, err := s.runner.Execute(rs.ctx, t.TaskHash, inputHashes, ports.TaskRunOptions{})
		rs.results <- taskResult{name: name, r: res, err: err}
	}()
	return true, nil
}

func (rs *runState) resolveInputHashes(root domain.Hash, t domain.GraphTask) ([]domain.Hash, error) {
	s := rs.s
	hashes := make([]domain.Hash, len(t.Inputs))
	for i, input := range t.Inputs {
		ref, err := s.trees.Walk(root, input)
		if err != nil {
			return nil, err
		}
		h, err := s.hashOfRef(ref)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// hashOfRef returns the content-addressed hash of ref's value, materializing
// an object for the inline null variant so it can flow through the runner
// and the inputsHash computation identically to a value ref.
func (s *Scheduler) hashOfRef(ref domain.DataRef) (domain.Hash, error) {
	switch ref.Kind {
	case domain.DataRefValue, domain.DataRefTree:
		return ref.Hash, nil
	case domain.DataRefNull:
		raw, err := s.codec.EncodeValue(ref.Type, nil)
		if err != nil {
			return domain.ZeroHash, err
		}
		return s.objects.Write(raw)
	default:
		return domain.ZeroHash, domain.WithField(domain.ErrInvalid, "ref_kind", string(ref.Kind))
	}
}

func (s *Scheduler) hashInputs(hashes []domain.Hash) (domain.Hash, error) {
	var buf bytes.Buffer
	for _, h := range hashes {
		buf.WriteString(h.String())
		buf.WriteByte('\n')
	}
	return s.hasher.Digest(&buf)
}

func (rs *runState) completeCached(name domain.InternedString, t domain.GraphTask, outputHash domain.Hash) error {
	s := rs.s
	if s.logger != nil {
		s.logger.Info("cached: " + name.String())
	}
	if err := s.appendAndPersist(rs.exec, domain.ExecutionEvent{Kind: domain.EventTaskStarted, TaskName: name.String()}); err != nil {
		return err
	}
	if err := rs.assignOutput(t, outputHash); err != nil {
		return err
	}
	now := time.Now()
	ts := rs.exec.Tasks[name.String()]
	ts.Status = domain.TaskCompleted
	ts.OutputHash = outputHash
	ts.FinishedAt = &now
	rs.exec.Tasks[name.String()] = ts
	rs.exec.Counters.Cached++
	telemetry.RecordCached(rs.ctx)
	if err := s.appendAndPersist(rs.exec, domain.ExecutionEvent{
		Kind: domain.EventTaskCompleted, TaskName: name.String(), Cached: true, OutputHash: outputHash,
	}); err != nil {
		return err
	}
	rs.ready = append(rs.ready, rs.computeReady()...)
	return nil
}

func (rs *runState) assignOutput(t domain.GraphTask, outputHash domain.Hash) error {
	s := rs.s
	root, err := s.currentRoot()
	if err != nil {
		return err
	}
	newRoot, err := s.trees.Update(root, t.Output, domain.ValueRef(outputHash, ""))
	if err != nil {
		return err
	}
	return s.workspaces.SetRoot(s.workspace, newRoot)
}

func (rs *runState) handleResult(res taskResult) error {
	s := rs.s
	name := res.name
	t, _ := s.graph.GetTask(name)
	now := time.Now()
	ts := rs.exec.Tasks[name.String()]
	var startedAt time.Time
	if ts.StartedAt != nil {
		startedAt = *ts.StartedAt
	}
	duration := now.Sub(startedAt)

	if res.err != nil {
		return rs.failTask(name, t, ts, now, duration, domain.RecordError, 0, res.err.Error())
	}

	switch res.r.Kind {
	case ports.TaskResultSuccess:
		rec := domain.ExecutionRecord{
			Kind: domain.RecordSuccess, StartedAt: startedAt, CompletedAt: now, OutputHash: res.r.OutputHash,
		}
		if err := s.execs.Put(t.TaskHash, ts.InputsHash, rec); err != nil {
			return err
		}
		if err := rs.assignOutput(t, res.r.OutputHash); err != nil {
			return err
		}
		ts.Status = domain.TaskCompleted
		ts.OutputHash = res.r.OutputHash
		ts.FinishedAt = &now
		rs.exec.Tasks[name.String()] = ts
		rs.exec.Counters.Executed++
		telemetry.RecordExecuted(rs.ctx)
		if err := s.appendAndPersist(rs.exec, domain.ExecutionEvent{
			Kind: domain.EventTaskCompleted, TaskName: name.String(), OutputHash: res.r.OutputHash, Duration: duration,
		}); err != nil {
			return err
		}
		rs.ready = append(rs.ready, rs.computeReady()...)
		return nil
	case ports.TaskResultFailed:
		return rs.failTask(name, t, ts, now, duration, domain.RecordFailed, res.r.ExitCode, "")
	default: // ports.TaskResultError
		return rs.failTask(name, t, ts, now, duration, domain.RecordError, 0, res.r.Message)
	}
}

func (rs *runState) failTask(
	name domain.InternedString, t domain.GraphTask, ts domain.TaskState,
	now time.Time, duration time.Duration, kind domain.RecordKind, exitCode int, message string,
) error {
	s := rs.s
	if s.logger != nil {
		s.logger.Error(domain.WithFields(domain.ErrTaskFailed, "task", name.String(), "kind", string(kind)))
	}
	rec := domain.ExecutionRecord{Kind: kind, StartedAt: *valueOrZero(ts.StartedAt), CompletedAt: now, ExitCode: exitCode, Message: message}
	if err := s.execs.Put(t.TaskHash, ts.InputsHash, rec); err != nil {
		return err
	}

	ts.Status = domain.TaskFailed
	ts.ExitCode = &exitCode
	ts.Error = message
	ts.FinishedAt = &now
	rs.exec.Tasks[name.String()] = ts
	rs.exec.Counters.Failed++
	telemetry.RecordFailed(rs.ctx)

	ev := domain.ExecutionEvent{Kind: domain.EventTaskFailed, TaskName: name.String(), Duration: duration, ExitCode: exitCode}
	if kind == domain.RecordError {
		ev.Error = message
	}
	if err := s.appendAndPersist(rs.exec, ev); err != nil {
		return err
	}

	return rs.cascadeSkip(name)
}

func valueOrZero(t *time.Time) *time.Time {
	if t != nil {
		return t
	}
	zero := time.Time{}
	return &zero
}

// cascadeSkip transitions every transitive downstream consumer of failed
// still in pending or ready to skipped, per the failure semantics table.
func (rs *runState) cascadeSkip(failed domain.InternedString) error {
	s := rs.s
	names := s.graph.TransitiveDependents(failed)
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	for _, n := range names {
		if !rs.scope[n.String()] {
			continue
		}
		ts := rs.exec.Tasks[n.String()]
		if ts.Status != domain.TaskPending && ts.Status != domain.TaskReady {
			continue
		}
		ts.Status = domain.TaskSkipped
		rs.exec.Tasks[n.String()] = ts
		rs.exec.Counters.Skipped++
		telemetry.RecordSkipped(rs.ctx)
		if err := s.appendAndPersist(rs.exec, domain.ExecutionEvent{
			Kind: domain.EventTaskSkipped, TaskName: n.String(), Cause: failed.String(),
		}); err != nil {
			return err
		}
	}
	rs.pruneReady()
	return nil
}

// pruneReady drops any task from the pending ready queue that cascadeSkip
// just transitioned out from under it.
func (rs *runState) pruneReady() {
	kept := rs.ready[:0]
	for _, n := range rs.ready {
		if rs.exec.Tasks[n.String()].Status == domain.TaskReady {
			kept = append(kept, n)
		}
	}
	rs.ready = kept
}

func (rs *runState) handleCancel() error {
	if rs.cancelled {
		return nil
	}
	rs.cancelled = true
	rs.ready = nil
	return nil
}

func (rs *runState) finish() error {
	s := rs.s
	now := time.Now()
	rs.exec.CompletedAt = &now

	if rs.cancelled {
		rs.exec.Status = domain.ExecutionCancelledStatus
		return s.appendAndPersist(rs.exec, domain.ExecutionEvent{Kind: domain.EventExecutionCancelled, Reason: "context cancelled"})
	}

	success := rs.exec.Counters.Failed == 0
	if success {
		rs.exec.Status = domain.ExecutionCompletedStatus
	} else {
		rs.exec.Status = domain.ExecutionFailedStatus
	}
	return s.appendAndPersist(rs.exec, domain.ExecutionEvent{
		Kind: domain.EventExecutionCompleted, Success: success, Counters: rs.exec.Counters, Duration: now.Sub(rs.exec.StartedAt),
	})
}

// persist appends ev to exec's log and saves it, recording any failure in
// rs.fatal instead of returning it. Call sites that can't easily propagate an error (readiness
// re-evaluation mid-batch) route through this and check rs.fatal instead.
func (rs *runState) persist(ev domain.ExecutionEvent) {
	if rs.fatal != nil {
		return
	}
	if err := rs.s.appendAndPersist(rs.exec, ev); err != nil {
		rs.fatal = err
	}
}

// appendAndPersist appends ev to exec's event log and saves the whole
// state, per the concurrency contract's "persists after every event
// append." A lock-loss or store-write failure is fatal and aborts the
// scheduler before any further event is emitted.
func (s *Scheduler) appendAndPersist(exec *domain.DataflowExecutionState, ev domain.ExecutionEvent) error {
	if s.checkLock != nil {
		if err := s.checkLock(); err != nil {
			return domain.WithField(domain.ErrLockLost, "cause", err.Error())
		}
	}
	ev.Timestamp = time.Now()
	exec.AppendEvent(ev)
	if err := s.states.Save(exec); err != nil {
		return domain.WithField(domain.ErrStatePersistence, "cause", err.Error())
	}
	return nil
}
