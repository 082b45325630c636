// Package executionstore implements the execution record store (component
// G): one status file per (taskHash, inputsHash) directory, the
// scheduler's cache of what has already run and what is still running.
package executionstore

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
)

var _ ports.ExecutionStore = (*Store)(nil)

// Store implements ports.ExecutionStore against
// <repo>/executions/<taskHash>/<inputsHash>/status.
type Store struct {
	root string
}

// New creates a Store rooted at repoDir/executions.
func New(repoDir string) (*Store, error) {
	root := filepath.Join(repoDir, "executions")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create executions directory")
	}
	return &Store{root: root}, nil
}

func (s *Store) dir(taskHash, inputsHash domain.Hash) string {
	return filepath.Join(s.root, taskHash.String(), inputsHash.String())
}

func (s *Store) statusPath(taskHash, inputsHash domain.Hash) string {
	return filepath.Join(s.dir(taskHash, inputsHash), "status")
}

type wireRecord struct {
	Kind        string   `json:"kind"`
	ExecutionID string   `json:"executionId"`
	InputHashes []string `json:"inputHashes"`
	StartedAt   int64    `json:"startedAt"`

	PID          int    `json:"pid,omitempty"`
	PIDStartTime int64  `json:"pidStartTime,omitempty"`
	BootID       string `json:"bootId,omitempty"`

	CompletedAt int64 `json:"completedAt,omitempty"`

	OutputHash string `json:"outputHash,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

func toWireRecord(r domain.ExecutionRecord) wireRecord {
	inputs := make([]string, len(r.InputHashes))
	for i, h := range r.InputHashes {
		inputs[i] = h.String()
	}
	w := wireRecord{
		Kind:        string(r.Kind),
		ExecutionID: r.ExecutionID,
		InputHashes: inputs,
		StartedAt:   r.StartedAt.Unix(),
	}
	switch r.Kind {
	case domain.RecordRunning:
		w.PID = r.PID
		w.PIDStartTime = r.PIDStartTime.Unix()
		w.BootID = r.BootID
	case domain.RecordSuccess:
		w.CompletedAt = r.CompletedAt.Unix()
		w.OutputHash = r.OutputHash.String()
	case domain.RecordFailed:
		w.CompletedAt = r.CompletedAt.Unix()
		w.ExitCode = r.ExitCode
	case domain.RecordError:
		w.CompletedAt = r.CompletedAt.Unix()
		w.Message = r.Message
	}
	return w
}

func fromWireRecord(w wireRecord) domain.ExecutionRecord {
	inputs := make([]domain.Hash, len(w.InputHashes))
	for i, h := range w.InputHashes {
		inputs[i] = domain.Hash(h)
	}
	r := domain.ExecutionRecord{
		Kind:        domain.RecordKind(w.Kind),
		ExecutionID: w.ExecutionID,
		InputHashes: inputs,
		StartedAt:   time.Unix(w.StartedAt, 0).UTC(),
	}
	switch r.Kind {
	case domain.RecordRunning:
		r.PID = w.PID
		r.PIDStartTime = time.Unix(w.PIDStartTime, 0).UTC()
		r.BootID = w.BootID
	case domain.RecordSuccess:
		r.CompletedAt = time.Unix(w.CompletedAt, 0).UTC()
		r.OutputHash = domain.Hash(w.OutputHash)
	case domain.RecordFailed:
		r.CompletedAt = time.Unix(w.CompletedAt, 0).UTC()
		r.ExitCode = w.ExitCode
	case domain.RecordError:
		r.CompletedAt = time.Unix(w.CompletedAt, 0).UTC()
		r.Message = w.Message
	}
	return r
}

// Get returns the most recent record for (taskHash, inputsHash), or nil if
// none exists yet.
func (s *Store) Get(taskHash, inputsHash domain.Hash) (*domain.ExecutionRecord, error) {
	raw, err := os.ReadFile(s.statusPath(taskHash, inputsHash)) //nolint:gosec // path built from content hashes
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, zerr.Wrap(err, "failed to read execution record")
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	rec := fromWireRecord(w)
	return &rec, nil
}

// Put atomically writes rec as the record for (taskHash, inputsHash).
// Callers (the scheduler) are responsible for ensuring only one writer
// owns a given (taskHash, inputsHash) pair at a time within an execution.
func (s *Store) Put(taskHash, inputsHash domain.Hash, rec domain.ExecutionRecord) error {
	dir := s.dir(taskHash, inputsHash)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return zerr.Wrap(err, "failed to create execution record directory")
	}
	raw, err := json.Marshal(toWireRecord(rec))
	if err != nil {
		return domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	tmp, err := os.CreateTemp(dir, "status-*.partial")
	if err != nil {
		return zerr.Wrap(err, "failed to create temp status file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()          //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to write temp status file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to close temp status file")
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to chmod temp status file")
	}
	if err := os.Rename(tmpPath, s.statusPath(taskHash, inputsHash)); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to install status file")
	}
	return nil
}

// Walk enumerates every (taskHash, inputsHash) record under the store root.
func (s *Store) Walk(fn func(taskHash, inputsHash domain.Hash, rec domain.ExecutionRecord) error) error {
	taskDirs, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return zerr.Wrap(err, "failed to list execution store")
	}
	for _, taskDir := range taskDirs {
		if !taskDir.IsDir() {
			continue
		}
		taskHash := domain.Hash(taskDir.Name())
		inputDirs, err := os.ReadDir(filepath.Join(s.root, taskDir.Name()))
		if err != nil {
			return zerr.Wrap(err, "failed to list task execution records")
		}
		for _, inputDir := range inputDirs {
			if !inputDir.IsDir() {
				continue
			}
			inputsHash := domain.Hash(inputDir.Name())
			rec, err := s.Get(taskHash, inputsHash)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := fn(taskHash, inputsHash, *rec); err != nil {
				return err
			}
		}
	}
	return nil
}
