// Package checkpoint implements the durable, resumable cursor that makes
// block and commit event delivery restartable. A Checkpointer tracks, per
// logical stream, which block is current and which transactions within it
// have already been handled, persisting every change synchronously through a
// pluggable Store.
package checkpoint

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoCheckpoint is returned when nothing has been persisted yet for
	// the requested stream.
	ErrNoCheckpoint = errors.New("no checkpoint recorded for stream")

	// ErrCheckpointCorrupted indicates the persisted state could not be
	// decoded. It is fatal for the stream: callers must reset or repair
	// the stored state manually.
	ErrCheckpointCorrupted = errors.New("checkpoint state is corrupted")
)

// Record is the persisted cursor for one block of a stream.
type Record struct {
	// BlockNumber is the block this record describes.
	BlockNumber uint64 `json:"blockNumber"`

	// TransactionIDs lists the transactions already processed within the
	// block, in processing order, without duplicates.
	TransactionIDs []string `json:"transactionIds"`

	// ExpectedTotal is the number of events the block is known to carry.
	// Zero means unknown, in which case the record always counts as fully
	// consumed.
	ExpectedTotal uint64 `json:"expectedTotal,omitempty"`
}

// Complete reports whether every expected event of the block has been
// recorded. Records without an expected total are always complete.
func (r Record) Complete() bool {
	return r.ExpectedTotal == 0 || uint64(len(r.TransactionIDs)) >= r.ExpectedTotal
}

// State is the full persisted checkpoint of one stream: a bounded history of
// recent block records keyed by block number. Keeping more than one block
// tolerates multiple peers replaying at nearly the same height.
type State map[uint64]Record

// Store persists checkpoint state per logical stream. Implementations must
// make Save durable before returning and must return ErrNoCheckpoint from
// Load when the stream has no state, or an error wrapping
// ErrCheckpointCorrupted when the stored bytes cannot be decoded.
type Store interface {
	Save(ctx context.Context, stream string, state State) error
	Load(ctx context.Context, stream string) (State, error)
	Delete(ctx context.Context, stream string) error
}

// StreamID names one logical event stream. ChaincodeID is optional.
type StreamID struct {
	Channel      string
	ChaincodeID  string
	ListenerName string
}

// String renders the stream key, e.g. "mychannel/asset-cc/audit" or
// "mychannel/audit" when no chaincode is set.
func (id StreamID) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{id.Channel, id.ChaincodeID, id.ListenerName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}
