package runs

import (
	"context"
	"errors"
)

// ErrActiveDuplicate is returned by Put when inserting a pending record whose
// fingerprint already has a pending or in-progress run. Stores shared between
// replicas return it so only one of them starts the run.
var ErrActiveDuplicate = errors.New("runs: an identical run is already active")

// Store is the persistence interface for run records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Record, bool, error)
	Put(ctx context.Context, r *Record) error
}
