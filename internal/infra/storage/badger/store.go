// Package badger persists checkpoint state in an embedded Badger database,
// one JSON value per stream key. It suits single-process deployments that
// want durable checkpoints without an external service.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gabapcia/commitstream/internal/checkpoint"

	badger "github.com/dgraph-io/badger/v4"
)

// Store wraps a Badger database used exclusively for checkpoint state.
type Store struct {
	db *badger.DB
}

// Compile-time assertion that Store implements the checkpoint.Store interface.
var _ checkpoint.Store = (*Store)(nil)

// NewStore opens (or creates) a Badger database at path.
func NewStore(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewInMemoryStore opens a non-durable Badger database. Useful for tests and
// local development.
func NewInMemoryStore() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func streamKey(stream string) []byte {
	return []byte("checkpoint/" + stream)
}

// Save writes the stream's state as a single JSON value.
func (s *Store) Save(ctx context.Context, stream string, state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(streamKey(stream), data)
	})
}

// Load reads and decodes the stream's state. A missing key maps to
// checkpoint.ErrNoCheckpoint; an undecodable value maps to
// checkpoint.ErrCheckpointCorrupted.
func (s *Store) Load(ctx context.Context, stream string) (checkpoint.State, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(streamKey(stream))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = checkpoint.ErrNoCheckpoint
		}
		return nil, err
	}

	var state checkpoint.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", checkpoint.ErrCheckpointCorrupted, stream, err)
	}

	return state, nil
}

// Delete drops the stream's checkpoint state. Deleting an absent stream is
// not an error.
func (s *Store) Delete(ctx context.Context, stream string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(streamKey(stream))
	})
}
