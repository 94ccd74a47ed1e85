// Package storage keeps a ledger of ensemble runs in BoltDB.
//
// Each run records its state as the controller advances, the trials it
// staged with their predictors and status, and the final ranking. The
// ledger lives next to the output tree so a finished run can be inspected
// without parsing the trial directories.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	runsBucket   = "runs"   // Bucket name for run records keyed by run ID
	trialsBucket = "trials" // Bucket name for trial records keyed by "runID_trialID"

	// FileName is the ledger database name inside the data path.
	FileName = "mmx-runs.db"
)

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// RankEntry is one ranked predictor of a finished run.
type RankEntry struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
}

// RunRecord describes one ensemble run.
type RunRecord struct {
	ID        string      `json:"id"`
	Species   string      `json:"species"`
	OutputDir string      `json:"output_dir"`
	State     string      `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	FinalDir  string      `json:"final_dir,omitempty"`
	Error     string      `json:"error,omitempty"`
	Ranking   []RankEntry `json:"ranking,omitempty"`
}

// TrialRecord describes one staged trial of a run.
type TrialRecord struct {
	RunID      string    `json:"run_id"`
	TrialID    string    `json:"trial_id"`
	Directory  string    `json:"directory"`
	Predictors []string  `json:"predictors"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists run and trial records using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the ledger inside dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, FileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(trialsBucket)); err != nil {
			return fmt.Errorf("create trials bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. It is safe to call on a nil or closed store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun inserts or replaces a run record.
func (s *Store) SaveRun(run RunRecord) error {
	if run.ID == "" {
		return errors.New("run record requires an ID")
	}
	return s.put(runsBucket, run.ID, run)
}

// GetRun loads a run record.
func (s *Store) GetRun(id string) (RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}

// ListRuns returns every run ordered by start time.
func (s *Store) ListRuns() ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(_, v []byte) error {
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return nil // Skip malformed records
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveTrial inserts or replaces a trial record.
func (s *Store) SaveTrial(rec TrialRecord) error {
	if rec.RunID == "" || rec.TrialID == "" {
		return errors.New("trial record requires run and trial IDs")
	}
	return s.put(trialsBucket, trialKey(rec.RunID, rec.TrialID), rec)
}

// GetTrials returns the trials recorded for a run, in key order.
func (s *Store) GetTrials(runID string) ([]TrialRecord, error) {
	var trials []TrialRecord
	prefix := []byte(runID + "_")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(trialsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec TrialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			trials = append(trials, rec)
		}
		return nil
	})
	return trials, err
}

func (s *Store) put(bucket, key string, value any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", bucket, err)
		}
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func trialKey(runID, trialID string) string {
	return runID + "_" + trialID
}
