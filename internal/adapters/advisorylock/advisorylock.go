// Package advisorylock implements the workspace advisory lock service
// (component F): one lock file per workspace, combining an OS-level
// flock with a (pid, bootId, startTime) crash-detection triple so a
// rebooted node can recover without any background process.
package advisorylock

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"go.trai.ch/e3/internal/adapters/procstate"
	"go.trai.ch/e3/internal/adapters/telemetry"
	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	dirPerm  = 0o750
	filePerm = 0o644
)

var _ ports.LockService = (*Service)(nil)

// Service implements ports.LockService against <repo>/workspaces/<name>.lock.
type Service struct {
	root string
}

// New creates a Service rooted at repoDir/workspaces.
func New(repoDir string) (*Service, error) {
	root := filepath.Join(repoDir, "workspaces")
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, zerr.Wrap(err, "failed to create workspaces directory")
	}
	return &Service{root: root}, nil
}

func (s *Service) lockPath(workspace string) string {
	return filepath.Join(s.root, workspace+".lock")
}

type handle struct {
	path string
	file *os.File
	ino  uint64
}

// Release removes the lock file via the owning handle; a no-op if the
// file was already forcibly replaced by another acquirer (detected by
// comparing inodes, since a rename-over produces a new one).
func (h *handle) Release() error {
	defer h.file.Close() //nolint:errcheck

	info, err := os.Stat(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return zerr.Wrap(err, "failed to stat lock file on release")
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Ino != h.ino {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.Wrap(err, "failed to remove lock file")
	}
	return nil
}

type wireLockState struct {
	Operation  string         `json:"operation" yaml:"operation"`
	Holder     wireLockHolder `json:"holder" yaml:"holder"`
	AcquiredAt int64          `json:"acquiredAt" yaml:"acquiredAt"`
	ExpiresAt  *int64         `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}

type wireLockHolder struct {
	Kind      string `json:"kind" yaml:"kind"`
	PID       int    `json:"pid" yaml:"pid"`
	BootID    string `json:"bootId" yaml:"bootId"`
	StartTime int64  `json:"startTime" yaml:"startTime"`
	Command   string `json:"command" yaml:"command"`
}

func toWireLockState(s domain.LockState) wireLockState {
	var expires *int64
	if s.ExpiresAt != nil {
		u := s.ExpiresAt.Unix()
		expires = &u
	}
	return wireLockState{
		Operation: string(s.Operation),
		Holder: wireLockHolder{
			Kind:      string(s.Holder.Kind),
			PID:       s.Holder.PID,
			BootID:    s.Holder.BootID,
			StartTime: s.Holder.StartTime.Unix(),
			Command:   s.Holder.Command,
		},
		AcquiredAt: s.AcquiredAt.Unix(),
		ExpiresAt:  expires,
	}
}

func fromWireLockState(w wireLockState) domain.LockState {
	var expires *time.Time
	if w.ExpiresAt != nil {
		t := time.Unix(*w.ExpiresAt, 0).UTC()
		expires = &t
	}
	return domain.LockState{
		Operation: domain.LockOperation(w.Operation),
		Holder: domain.LockHolder{
			Kind:      domain.LockHolderKind(w.Holder.Kind),
			PID:       w.Holder.PID,
			BootID:    w.Holder.BootID,
			StartTime: time.Unix(w.Holder.StartTime, 0).UTC(),
			Command:   w.Holder.Command,
		},
		AcquiredAt: time.Unix(w.AcquiredAt, 0).UTC(),
		ExpiresAt:  expires,
	}
}

// Debug returns a human-readable YAML dump of workspace's current lock
// holder, for diagnosing a stuck ErrLocked without parsing the raw JSON
// lock file by hand. Returns an empty string if no lock file exists.
func (s *Service) Debug(workspace string) (string, error) {
	raw, err := os.ReadFile(s.lockPath(workspace)) //nolint:gosec // path built from repo-relative workspace name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", zerr.Wrap(err, "failed to read lock file")
	}
	var w wireLockState
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	out, err := yaml.Marshal(w)
	if err != nil {
		return "", domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return string(out), nil
}

// Acquire attempts to create the workspace's lock file exclusively. If it
// already exists, a dead holder (stale boot id, dead pid, or pid reuse)
// is forcibly replaced atomically; a live holder returns ErrLocked.
func (s *Service) Acquire(workspace string, op domain.LockOperation) (ports.LockHandle, error) {
	path := s.lockPath(workspace)
	state := newLockState(op)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, filePerm) //nolint:gosec // path built from repo-relative workspace name
	if err == nil {
		h, err := s.finishAcquire(path, f, state)
		if err == nil {
			telemetry.RecordLockAcquired(context.Background())
		}
		return h, err
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, zerr.Wrap(err, "failed to create lock file")
	}

	existing, err := os.ReadFile(path) //nolint:gosec // path built from repo-relative workspace name
	if err != nil {
		return nil, zerr.Wrap(err, "failed to read existing lock file")
	}
	var w wireLockState
	if err := json.Unmarshal(existing, &w); err != nil {
		return nil, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	current := fromWireLockState(w)

	if isLive(current.Holder) {
		telemetry.RecordLockContended(context.Background())
		return nil, domain.WithFields(domain.ErrLocked,
			"workspace", workspace, "operation", string(current.Operation), "holder_pid", current.Holder.PID)
	}

	tmp, err := os.CreateTemp(s.root, workspace+"-*.lock.partial")
	if err != nil {
		return nil, zerr.Wrap(err, "failed to create replacement lock file")
	}
	h, err := s.finishAcquire(tmp.Name(), tmp, state)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		h.Release() //nolint:errcheck
		return nil, zerr.Wrap(err, "failed to replace dead lock file")
	}
	h.(*handle).path = path
	telemetry.RecordLockAcquired(context.Background())
	return h, nil
}

func (s *Service) finishAcquire(path string, f *os.File, state domain.LockState) (ports.LockHandle, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return nil, zerr.Wrap(err, "failed to flock lock file")
	}
	raw, err := json.Marshal(toWireLockState(state))
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	if err := f.Truncate(0); err != nil {
		f.Close() //nolint:errcheck
		return nil, zerr.Wrap(err, "failed to truncate lock file")
	}
	if _, err := f.WriteAt(raw, 0); err != nil {
		f.Close() //nolint:errcheck
		return nil, zerr.Wrap(err, "failed to write lock file")
	}
	var ino uint64
	if info, err := f.Stat(); err == nil {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			ino = st.Ino
		}
	}
	return &handle{path: path, file: f, ino: ino}, nil
}

func newLockState(op domain.LockOperation) domain.LockState {
	return domain.LockState{
		Operation: op,
		Holder: domain.LockHolder{
			Kind:      domain.LockHolderLocalProcess,
			PID:       os.Getpid(),
			BootID:    procstate.CurrentBootID(),
			StartTime: procstate.ProcessStartTime(os.Getpid()),
			Command:   strings.Join(os.Args, " "),
		},
		AcquiredAt: time.Now().UTC(),
	}
}

// isLive reports whether holder is still the live owner of its lock: its
// boot id matches the current one, its pid exists, and that pid's start
// time matches what was recorded (guarding against pid reuse).
func isLive(holder domain.LockHolder) bool {
	if holder.Kind != domain.LockHolderLocalProcess {
		return true // non-local holders can't be crash-checked here.
	}
	return procstate.Alive(holder.BootID, holder.PID, holder.StartTime)
}
