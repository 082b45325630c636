// Package boltstate implements a bbolt-backed alternative to
// adapters/statestore.FileStore: one database file per repository, a
// bucket holding the latest DataflowExecutionState snapshot per workspace,
// plus a per-workspace events bucket appended to on every Save, keyed by
// zero-padded sequence number so lexical order matches chronological order.
package boltstate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

const dbFileName = "state.bbolt"

var stateBucket = []byte("workspace_state")

var _ ports.StateStore = (*Store)(nil)

// Store persists dataflow execution state in a single bbolt database.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if absent) the bbolt database at repoDir/state.bbolt.
func New(repoDir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(repoDir, dbFileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, zerr.Wrap(err, "failed to open state database")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, zerr.Wrap(err, "failed to create state bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func eventsBucketName(workspace string) []byte {
	return []byte("events:" + workspace)
}

// Load returns the most recently persisted state for (repo, workspace),
// or nil, nil if no execution has ever been persisted there.
func (s *Store) Load(repo, workspace string) (*domain.DataflowExecutionState, error) {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if v := b.Get([]byte(workspace)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, zerr.Wrap(err, "failed to read workspace state")
	}
	if raw == nil {
		return nil, nil
	}
	var state domain.DataflowExecutionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	if state.Repo != repo {
		return nil, domain.WithFields(domain.ErrInvalid, "expected_repo", repo, "got_repo", state.Repo)
	}
	return &state, nil
}

// Save overwrites the latest snapshot for state.Workspace and appends
// every event in state.Events not yet present in its events bucket.
func (s *Store) Save(state *domain.DataflowExecutionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if err := b.Put([]byte(state.Workspace), raw); err != nil {
			return err
		}
		events, err := tx.CreateBucketIfNotExists(eventsBucketName(state.Workspace))
		if err != nil {
			return err
		}
		for _, ev := range state.Events {
			key := []byte(fmt.Sprintf("%020d", ev.Seq))
			if events.Get(key) != nil {
				continue
			}
			evRaw, err := json.Marshal(ev)
			if err != nil {
				return domain.WithField(domain.ErrCodec, "cause", err.Error())
			}
			if err := events.Put(key, evRaw); err != nil {
				return err
			}
		}
		return nil
	})
}
