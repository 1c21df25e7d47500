package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/goodtune/procmon/internal/storage"
)

// Store implements storage.Store as a single JSON document on local disk.
// Opening the store takes an exclusive lock so that only one daemon owns the
// state directory.
type Store struct {
	path string
	lock *flock.Flock
}

// Open creates the state directory if needed and locks it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}

	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock state: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, storage.ErrLocked)
	}

	return &Store{path: path, lock: lock}, nil
}

// Path returns the location of the state document.
func (s *Store) Path() string {
	return s.path
}

// Load reads the last durable snapshot.
func (s *Store) Load(ctx context.Context) (*storage.State, error) {
	return Read(s.path)
}

// Save atomically replaces the snapshot on disk.
func (s *Store) Save(ctx context.Context, state *storage.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := storage.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Close releases the state lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Read decodes a state document without taking the lock.
func Read(path string) (*storage.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state storage.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", path, err)
	}
	state.Normalize()

	return &state, nil
}
