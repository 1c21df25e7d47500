package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrLocked is returned when another process owns the state.
var ErrLocked = errors.New("storage: state is locked by another process")

// Store persists the monitor state aggregate.
//
// Save replaces the durable copy all-or-nothing: after a crash at any point
// Load returns either the previous snapshot or the new one.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
	Close() error
}
