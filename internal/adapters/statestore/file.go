// Package statestore implements the two state-persistence backends the
// resumable scheduler (component J) can run against: a file-based store,
// one state object per workspace, and an in-memory store for tests.
package statestore

import (
	"encoding/json"
	"errors"
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
	fileName = "dataflow-state.json"
)

var _ ports.StateStore = (*FileStore)(nil)

// FileStore persists one DataflowExecutionState per workspace at
// <repo>/workspaces/<workspace>/dataflow-state.json, written atomically
// through a temporary sibling and rename. The persisted value already
// carries its full Events slice (domain.DataflowExecutionState.AppendEvent
// grows it in place), so the snapshot itself behaves as the append log
// describes: each Save captures every event recorded so far,
// not just a diff against the previous write.
type FileStore struct {
	root string
}

// New creates a FileStore rooted at repoDir/workspaces.
func New(repoDir string) (*FileStore, error) {
	root := filepath.Join(repoDir, "workspaces")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create workspaces directory")
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(workspace string) string {
	return filepath.Join(s.root, workspace, fileName)
}

type wireExecutionEvent struct {
	Seq        uint64          `json:"seq"`
	Timestamp  int64           `json:"timestamp"`
	Kind       string          `json:"kind"`
	TaskName   string          `json:"taskName,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	OutputHash string          `json:"outputHash,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exitCode,omitempty"`
	Cause      string          `json:"cause,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Counters   domain.Counters `json:"counters,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type wireTaskState struct {
	Status     string `json:"status"`
	Deps       []string `json:"deps,omitempty"`
	InputsHash string `json:"inputsHash,omitempty"`
	OutputHash string `json:"outputHash,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  *int64 `json:"startedAt,omitempty"`
	FinishedAt *int64 `json:"finishedAt,omitempty"`
}

type wireState struct {
	ID          string                   `json:"id"`
	Repo        string                   `json:"repo"`
	Workspace   string                   `json:"workspace"`
	StartedAt   int64                    `json:"startedAt"`
	Concurrency int                      `json:"concurrency"`
	Force       bool                     `json:"force"`
	Filter      []string                 `json:"filter,omitempty"`
	GraphHash   string                   `json:"graphHash"`
	Tasks       map[string]wireTaskState `json:"tasks"`
	Counters    domain.Counters          `json:"counters"`
	Status      string                   `json:"status"`
	CompletedAt *int64                   `json:"completedAt,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Events      []wireExecutionEvent     `json:"events"`
	EventSeq    uint64                   `json:"eventSeq"`
}

func toWire(s *domain.DataflowExecutionState) wireState {
	tasks := make(map[string]wireTaskState, len(s.Tasks))
	for name, ts := range s.Tasks {
		tasks[name] = wireTaskState{
			Status:     string(ts.Status),
			Deps:       ts.Deps,
			InputsHash: ts.InputsHash.String(),
			OutputHash: ts.OutputHash.String(),
			ExitCode:   ts.ExitCode,
			Error:      ts.Error,
			StartedAt:  unixPtr(ts.StartedAt),
			FinishedAt: unixPtr(ts.FinishedAt),
		}
	}
	events := make([]wireExecutionEvent, len(s.Events))
	for i, ev := range s.Events {
		events[i] = wireExecutionEvent{
			Seq: ev.Seq, Timestamp: ev.Timestamp.Unix(), Kind: string(ev.Kind),
			TaskName: ev.TaskName, Cached: ev.Cached, OutputHash: ev.OutputHash.String(),
			Duration: ev.Duration, Error: ev.Error, ExitCode: ev.ExitCode,
			Cause: ev.Cause, Success: ev.Success, Counters: ev.Counters, Reason: ev.Reason,
		}
	}
	return wireState{
		ID: s.ID, Repo: s.Repo, Workspace: s.Workspace, StartedAt: s.StartedAt.Unix(),
		Concurrency: s.Concurrency, Force: s.Force, Filter: s.Filter,
		GraphHash: s.GraphHash.String(), Tasks: tasks, Counters: s.Counters,
		Status: string(s.Status), CompletedAt: unixPtr(s.CompletedAt), Error: s.Error,
		Events: events, EventSeq: s.EventSeq,
	}
}

func fromWire(w wireState) *domain.DataflowExecutionState {
	tasks := make(map[string]domain.TaskState, len(w.Tasks))
	for name, wt := range w.Tasks {
		tasks[name] = domain.TaskState{
			Status:     domain.TaskStatus(wt.Status),
			Deps:       wt.Deps,
			InputsHash: domain.Hash(wt.InputsHash),
			OutputHash: domain.Hash(wt.OutputHash),
			ExitCode:   wt.ExitCode,
			Error:      wt.Error,
			StartedAt:  timePtr(wt.StartedAt),
			FinishedAt: timePtr(wt.FinishedAt),
		}
	}
	events := make([]domain.ExecutionEvent, len(w.Events))
	for i, we := range w.Events {
		events[i] = domain.ExecutionEvent{
			Seq: we.Seq, Timestamp: time.Unix(we.Timestamp, 0), Kind: domain.EventKind(we.Kind),
			TaskName: we.TaskName, Cached: we.Cached, OutputHash: domain.Hash(we.OutputHash),
			Duration: we.Duration, Error: we.Error, ExitCode: we.ExitCode,
			Cause: we.Cause, Success: we.Success, Counters: we.Counters, Reason: we.Reason,
		}
	}
	return &domain.DataflowExecutionState{
		ID: w.ID, Repo: w.Repo, Workspace: w.Workspace, StartedAt: time.Unix(w.StartedAt, 0),
		Concurrency: w.Concurrency, Force: w.Force, Filter: w.Filter,
		GraphHash: domain.Hash(w.GraphHash), Tasks: tasks, Counters: w.Counters,
		Status: domain.ExecutionStatus(w.Status), CompletedAt: timePtr(w.CompletedAt), Error: w.Error,
		Events: events, EventSeq: w.EventSeq,
	}
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func timePtr(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0)
	return &t
}

// Load reads the persisted state for workspace, or nil, nil if none exists.
func (s *FileStore) Load(repo, workspace string) (*domain.DataflowExecutionState, error) {
	raw, err := os.ReadFile(s.path(workspace)) //nolint:gosec // path built from repo-relative workspace name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.Wrap(err, "failed to read dataflow state")
	}
	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	state := fromWire(w)
	if state.Repo != repo {
		return nil, domain.WithFields(domain.ErrInvalid, "expected_repo", repo, "got_repo", state.Repo)
	}
	return state, nil
}

// Save atomically overwrites the persisted state for state.Workspace.
func (s *FileStore) Save(state *domain.DataflowExecutionState) error {
	dir := filepath.Join(s.root, state.Workspace)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return zerr.Wrap(err, "failed to create workspace state directory")
	}
	raw, err := json.Marshal(toWire(state))
	if err != nil {
		return domain.WithField(domain.ErrCodec, "cause", err.Error())
	}

	tmp, err := os.CreateTemp(dir, fileName+".*.partial")
	if err != nil {
		return zerr.Wrap(err, "failed to create dataflow state temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		return zerr.Wrap(err, "failed to write dataflow state")
	}
	if err := tmp.Close(); err != nil {
		return zerr.Wrap(err, "failed to close dataflow state temp file")
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return zerr.Wrap(err, "failed to set dataflow state permissions")
	}
	if err := os.Rename(tmp.Name(), s.path(state.Workspace)); err != nil {
		return zerr.Wrap(err, "failed to install dataflow state")
	}
	return nil
}
