package mapping

import (
	"context"
	"errors"
)

// Store persists mapping records between the request and response
// paths. Implementations are safe for concurrent use.
type Store interface {
	// Put stores a record under its ID. Storing an ID that already
	// exists returns ErrExists.
	Put(ctx context.Context, rec Record) error
	// Get fetches a record. The bool is false when the ID is unknown
	// or the record has expired.
	Get(ctx context.Context, id string) (Record, bool, error)
	// Delete removes a record. Deleting an unknown ID is a no-op.
	Delete(ctx context.Context, id string) error
	// Sweep drops expired records and returns how many were removed.
	// Backends with native expiry may implement it as a no-op.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// ErrExists is returned by Put when the record ID is already present.
var ErrExists = errors.New("mapping: record already exists")
