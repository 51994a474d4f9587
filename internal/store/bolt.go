package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketResults = []byte("results")
)

// BoltStore implements Store using BoltDB. Results are keyed
// "<run id>/<test id>" so a run's results are one prefix scan.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRuns, []byte(run.ID), run)
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(id string, fn func(run *Run) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		return putJSON(tx, bucketRuns, []byte(id), &run)
	})
}

// DeleteRun removes the run and all of its results.
func (s *BoltStore) DeleteRun(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		rb := tx.Bucket(bucketResults)
		if rb == nil {
			return nil
		}
		prefix := []byte(id + "/")
		var keys [][]byte
		c := rb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := rb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListRuns(limit int) ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil // no bucket = no runs
		}
		runs = make([]*Run, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Start.After(runs[j].Start) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *BoltStore) SaveResult(res *TestResult) error {
	if res.RunID == "" || res.ID == "" {
		return fmt.Errorf("save result %s: missing run or test id", res.TestFile)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketResults, []byte(res.RunID+"/"+res.ID), res)
	})
}

// ListResults returns a run's results in start order.
func (s *BoltStore) ListResults(runID string) ([]*TestResult, error) {
	var results []*TestResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if b == nil {
			return nil
		}
		prefix := []byte(runID + "/")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var res TestResult
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			results = append(results, &res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Start.Before(results[j].Start) })
	return results, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
