// Package foreman implements §4.9: a worker that also runs an embedded
// manager endpoint for downstream workers, re-exporting the protocol one
// hop further out. Incoming upstream tasks are recorded in a persisted
// unfinished_tasks table and resubmitted to the embedded manager rather
// than run locally; completions are forwarded upstream as ordinary
// results.
package foreman

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketUnfinished = []byte("unfinished_tasks")

// unfinishedRecord is the JSON-persisted bookkeeping for one upstream
// task accepted but not yet resolved, so a foreman restart does not lose
// track of work it already promised its own manager.
type unfinishedRecord struct {
	TaskID      int64  `json:"task_id"`
	CommandLine string `json:"command_line"`
	AcceptedUS  int64  `json:"accepted_us"`
}

// taskStore is the bucket-per-entity bbolt table for unfinished_tasks,
// following the same CreateBucketIfNotExists + JSON-marshaled-value shape
// the rest of this codebase's persistence uses.
type taskStore struct {
	db *bolt.DB
}

func newTaskStore(dataDir string) (*taskStore, error) {
	dbPath := filepath.Join(dataDir, "foreman.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("foreman: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUnfinished)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("foreman: create bucket: %w", err)
	}
	return &taskStore{db: db}, nil
}

func (s *taskStore) Close() error {
	return s.db.Close()
}

func (s *taskStore) put(r unfinishedRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnfinished)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(taskKey(r.TaskID), data)
	})
}

func (s *taskStore) delete(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnfinished)
		return b.Delete(taskKey(taskID))
	})
}

// list returns every still-unfinished record, for a foreman resuming
// after a restart.
func (s *taskStore) list() ([]unfinishedRecord, error) {
	var out []unfinishedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnfinished)
		return b.ForEach(func(k, v []byte) error {
			var r unfinishedRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *taskStore) count() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnfinished)
		return b.ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n
}

func taskKey(taskID int64) []byte {
	return []byte(fmt.Sprintf("%020d", taskID))
}
