// Package runstore keeps the summaries of past runs in a bbolt file so a run
// can be compared with earlier ones.
package runstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/tool-conformance/report"
	bolt "go.etcd.io/bbolt"
)

const runsBucket = "runs"

var ErrNotFound = errors.New("run not found")

// Store is a bbolt-backed history of run reports keyed by run id.
type Store struct {
	db *bolt.DB
	mu sync.RWMutex
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create bucket %s: %w", runsBucket, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Save stores r, replacing an earlier report with the same run id.
func (s *Store) Save(r report.RunReport) error {
	if r.RunID == "" {
		return fmt.Errorf("run report has no run id")
	}
	data, err := sonic.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).Put([]byte(r.RunID), data)
	})
}

func (s *Store) Get(runID string) (report.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r report.RunReport
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(runsBucket)).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return sonic.Unmarshal(data, &r)
	})
	if err != nil {
		return report.RunReport{}, err
	}
	return r, nil
}

// List returns every stored run, oldest first.
func (s *Store) List() ([]report.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []report.RunReport
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(k, v []byte) error {
			var r report.RunReport
			if err := sonic.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", string(k), err)
			}
			runs = append(runs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

// Previous returns the most recent run that started before r.
func (s *Store) Previous(r report.RunReport) (report.RunReport, bool, error) {
	runs, err := s.List()
	if err != nil {
		return report.RunReport{}, false, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].RunID != r.RunID && runs[i].StartedAt.Before(r.StartedAt) {
			return runs[i], true, nil
		}
	}
	return report.RunReport{}, false, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
