package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gabapcia/commitstream/internal/checkpoint"

	"github.com/redis/go-redis/v9"
)

// checkpointKeyPrefix namespaces all keys of the checkpointing system.
const checkpointKeyPrefix = "commitstream"

// checkpointKey builds the key holding one stream's checkpoint state:
//
//	"commitstream:checkpoint:<stream>"
func checkpointKey(stream string) string {
	return fmt.Sprintf("%s:checkpoint:%s", checkpointKeyPrefix, stream)
}

// Save persists the stream's state as a single JSON document with no
// expiration, overwriting any previous value.
func (c *client) Save(ctx context.Context, stream string, state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return c.conn.Set(ctx, checkpointKey(stream), data, 0).Err()
}

// Load retrieves and decodes the stream's state. A missing key maps to
// checkpoint.ErrNoCheckpoint; an undecodable value maps to
// checkpoint.ErrCheckpointCorrupted.
func (c *client) Load(ctx context.Context, stream string) (checkpoint.State, error) {
	data, err := c.conn.Get(ctx, checkpointKey(stream)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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

// Delete drops the stream's checkpoint state.
func (c *client) Delete(ctx context.Context, stream string) error {
	return c.conn.Del(ctx, checkpointKey(stream)).Err()
}

// Compile-time assertion that client implements the checkpoint.Store interface.
var _ checkpoint.Store = new(client)
