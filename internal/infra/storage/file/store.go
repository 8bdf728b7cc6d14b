// Package file persists checkpoint state as one JSON document per stream
// under a base directory. Writes are atomic: the document is written to a
// temp file and renamed over the previous one, so readers never observe a
// partial record.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabapcia/commitstream/internal/checkpoint"
)

// Store writes one file per stream at {basePath}/{stream}.json, where the
// stream key's path separators become directories (e.g.
// "mychannel/asset-cc/audit" -> {basePath}/mychannel/asset-cc/audit.json).
type Store struct {
	basePath string
}

// Compile-time assertion that Store implements the checkpoint.Store interface.
var _ checkpoint.Store = (*Store)(nil)

// NewStore returns a Store rooted at basePath. The directory is created on
// first save, not here.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("file checkpoint store: base path is required")
	}

	return &Store{basePath: basePath}, nil
}

func (s *Store) path(stream string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(stream)+".json")
}

// Save persists the state with a write-temp-then-rename full-file replace.
func (s *Store) Save(ctx context.Context, stream string, state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	path := s.path(stream)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Load reads the stream's document. A missing file maps to
// checkpoint.ErrNoCheckpoint; undecodable content maps to
// checkpoint.ErrCheckpointCorrupted.
func (s *Store) Load(ctx context.Context, stream string) (checkpoint.State, error) {
	data, err := os.ReadFile(s.path(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, checkpoint.ErrNoCheckpoint
		}
		return nil, err
	}

	var state checkpoint.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", checkpoint.ErrCheckpointCorrupted, stream, err)
	}

	return state, nil
}

// Delete removes the stream's document. Deleting an absent stream is not an
// error.
func (s *Store) Delete(ctx context.Context, stream string) error {
	if err := os.Remove(s.path(stream)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
