package storage

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/sunset/types"
)

// ErrNotFound is returned by Get when no record exists for an ID
var ErrNotFound = errors.New("record not found")

// RecordReader queries lifecycle records
type RecordReader interface {
	Get(ctx context.Context, resourceID string) (*types.LifecycleRecord, error)
	ListByPhase(ctx context.Context, phase types.Phase) ([]types.LifecycleRecord, error)
	List(ctx context.Context) ([]types.LifecycleRecord, error)
}

// RecordWriter mutates lifecycle records. Put is last-write-wins per
// resource ID and assigns the record a new revision.
type RecordWriter interface {
	Put(ctx context.Context, rec *types.LifecycleRecord) error
	Delete(ctx context.Context, resourceID string) error
}

// Pruner drops deleted records older than a cutoff
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete state store used by the governor. Every error it
// returns is classified as persistence.
type Store interface {
	RecordReader
	RecordWriter
	Pruner
	Lifecycle
}
