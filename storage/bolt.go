package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/sunset/types"
)

// Bucket names in bbolt
var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
	keyRevision   = []byte("current_revision")
)

// DBFile is the bbolt file name inside the state directory
const DBFile = "sunset.db"

// BoltStore keeps lifecycle records in bbolt with an in-memory phase index
type BoltStore struct {
	mu sync.RWMutex

	// In-memory index ordered by (phase, id)
	index *btree.BTreeG[phaseEntry]
	// Current phase per resource so index entries can be replaced
	phases map[string]types.Phase

	db         *bbolt.DB
	currentRev int64
	dir        string
}

type phaseEntry struct {
	Phase      types.Phase
	ResourceID string
}

func lessPhaseEntry(a, b phaseEntry) bool {
	if a.Phase != b.Phase {
		return a.Phase < b.Phase
	}
	return a.ResourceID < b.ResourceID
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the store in dir
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, types.Persistence("open", fmt.Errorf("failed to create state directory: %w", err))
	}

	db, err := bbolt.Open(filepath.Join(dir, DBFile), 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, types.Persistence("open", fmt.Errorf("failed to open database: %w", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, types.Persistence("open", err)
	}

	s := &BoltStore{
		index:  btree.NewG[phaseEntry](32, lessPhaseEntry),
		phases: make(map[string]types.Phase),
		db:     db,
		dir:    dir,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, types.Persistence("open", fmt.Errorf("failed to rebuild index: %w", err))
	}

	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get loads the record for resourceID or returns ErrNotFound
func (s *BoltStore) Get(_ context.Context, resourceID string) (*types.LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec *types.LifecycleRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(resourceID))
		if data == nil {
			return nil
		}
		rec = &types.LifecycleRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, types.Persistence("get", err).WithResource(resourceID)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Put writes rec durably and bumps its revision
func (s *BoltStore) Put(_ context.Context, rec *types.LifecycleRecord) error {
	if err := rec.Validate(); err != nil {
		return types.Persistence("put", err).WithResource(rec.ResourceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	stored := *rec
	stored.Revision = rev

	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Put([]byte(stored.ResourceID), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return types.Persistence("put", err).WithResource(rec.ResourceID)
	}

	s.currentRev = rev
	rec.Revision = rev
	s.indexPut(stored.ResourceID, stored.Phase)
	return nil
}

// Delete removes a record; deleting a missing record is not an error
func (s *BoltStore) Delete(_ context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(resourceID))
	})
	if err != nil {
		return types.Persistence("delete", err).WithResource(resourceID)
	}
	s.indexDelete(resourceID)
	return nil
}

// ListByPhase returns every record in phase, ordered by resource ID
func (s *BoltStore) ListByPhase(_ context.Context, phase types.Phase) ([]types.LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	s.index.AscendGreaterOrEqual(phaseEntry{Phase: phase}, func(e phaseEntry) bool {
		if e.Phase != phase {
			return false
		}
		ids = append(ids, e.ResourceID)
		return true
	})

	records, err := s.load(ids)
	if err != nil {
		return nil, types.Persistence("list", err)
	}
	return records, nil
}

// List returns every record ordered by resource ID
func (s *BoltStore) List(_ context.Context) ([]types.LifecycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []types.LifecycleRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec types.LifecycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, types.Persistence("list", err)
	}
	return records, nil
}

// Prune removes deleted records whose deletion happened before olderThan
func (s *BoltStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	s.index.AscendGreaterOrEqual(phaseEntry{Phase: types.PhaseDeleted}, func(e phaseEntry) bool {
		if e.Phase != types.PhaseDeleted {
			return false
		}
		ids = append(ids, e.ResourceID)
		return true
	})

	var pruned []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		for _, id := range ids {
			data := bucket.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec types.LifecycleRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("record %s: %w", id, err)
			}
			if rec.DeletedAt.IsZero() || !rec.DeletedAt.Before(olderThan) {
				continue
			}
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
			pruned = append(pruned, id)
		}
		return nil
	})
	if err != nil {
		return 0, types.Persistence("prune", err)
	}

	for _, id := range pruned {
		s.indexDelete(id)
	}
	return len(pruned), nil
}

// CurrentRevision returns the current revision number
func (s *BoltStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

func (s *BoltStore) load(ids []string) ([]types.LifecycleRecord, error) {
	records := make([]types.LifecycleRecord, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		for _, id := range ids {
			data := bucket.Get([]byte(id))
			if data == nil {
				return fmt.Errorf("index references missing record %s", id)
			}
			var rec types.LifecycleRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("record %s: %w", id, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) indexPut(id string, phase types.Phase) {
	if old, ok := s.phases[id]; ok {
		s.index.Delete(phaseEntry{Phase: old, ResourceID: id})
	}
	s.phases[id] = phase
	s.index.ReplaceOrInsert(phaseEntry{Phase: phase, ResourceID: id})
}

func (s *BoltStore) indexDelete(id string) {
	if old, ok := s.phases[id]; ok {
		s.index.Delete(phaseEntry{Phase: old, ResourceID: id})
		delete(s.phases, id)
	}
}

func (s *BoltStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt revision %q: %w", data, err)
			}
			s.currentRev = rev
		}
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec types.LifecycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			s.indexPut(rec.ResourceID, rec.Phase)
			return nil
		})
	})
}

// IsNotFound reports whether err means the record is absent
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
