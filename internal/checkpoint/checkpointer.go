package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gabapcia/commitstream/internal/pkg/validator"
)

// Checkpointer is the durable cursor for one logical stream. Every mutation
// is persisted synchronously before the call returns, so state believed
// saved survives a crash. All writes are serialized: at most one store write
// is in flight at a time.
type Checkpointer struct {
	stream       string
	store        Store
	defaultStart uint64
	maxLength    int

	mu     sync.Mutex
	state  State
	loaded bool
}

// config holds Checkpointer construction options.
type config struct {
	defaultStart uint64
	maxLength    int
}

// Option customizes a Checkpointer.
type Option func(*config)

// WithDefaultStartBlock sets the block GetStartBlock reports when no
// checkpoint exists yet. Default: 0.
func WithDefaultStartBlock(n uint64) Option {
	return func(c *config) {
		c.defaultStart = n
	}
}

// WithMaxLength bounds how many recent block records are retained. The
// default of 1 keeps only the current block; larger values tolerate several
// peers replaying at nearly the same height.
func WithMaxLength(n int) Option {
	return func(c *config) {
		c.maxLength = n
	}
}

// newInput is validated at construction time.
type newInput struct {
	Store        Store  `validate:"required"`
	Channel      string `validate:"required"`
	ListenerName string `validate:"required"`
}

// New builds a Checkpointer for the stream identified by id, persisting
// through store. Construction fails with validator.ErrValidationFailed when
// the store, channel, or listener name is missing.
func New(store Store, id StreamID, opts ...Option) (*Checkpointer, error) {
	in := newInput{Store: store, Channel: id.Channel, ListenerName: id.ListenerName}
	if err := validator.Validate(in); err != nil {
		return nil, err
	}

	cfg := config{maxLength: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Checkpointer{
		stream:       id.String(),
		store:        store,
		defaultStart: cfg.defaultStart,
		maxLength:    cfg.maxLength,
	}, nil
}

// Stream returns the stream key this checkpointer persists under.
func (c *Checkpointer) Stream() string {
	return c.stream
}

// ensureLoaded lazily hydrates the in-memory state from the store. A missing
// checkpoint hydrates to empty state; corruption is propagated as-is.
func (c *Checkpointer) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}

	state, err := c.store.Load(ctx, c.stream)
	if err != nil {
		if !errors.Is(err, ErrNoCheckpoint) {
			return err
		}
		state = make(State)
	}
	if state == nil {
		state = make(State)
	}

	c.state = state
	c.loaded = true
	return nil
}

// Save records that txID was processed within blockNumber and persists the
// result before returning. An empty txID checkpoints the block alone.
// Re-saving the same pair is a no-op on the persisted state, and moving to a
// new block number starts that block with a fresh transaction set.
func (c *Checkpointer) Save(ctx context.Context, blockNumber uint64, txID string) error {
	return c.save(ctx, blockNumber, txID, 0)
}

// SaveWithExpectedTotal is Save plus the known number of events the block
// carries, letting LoadLatestCheckpoint tell fully-consumed blocks from
// partially-replayed ones.
func (c *Checkpointer) SaveWithExpectedTotal(ctx context.Context, blockNumber uint64, txID string, expectedTotal uint64) error {
	return c.save(ctx, blockNumber, txID, expectedTotal)
}

func (c *Checkpointer) save(ctx context.Context, blockNumber uint64, txID string, expectedTotal uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	record, ok := c.state[blockNumber]
	if !ok {
		record = Record{BlockNumber: blockNumber}
	}

	if txID != "" && !slices.Contains(record.TransactionIDs, txID) {
		record.TransactionIDs = append(record.TransactionIDs, txID)
	}
	if expectedTotal > 0 {
		record.ExpectedTotal = expectedTotal
	}

	c.state[blockNumber] = record
	c.pruneLocked(c.maxLength)

	return c.store.Save(ctx, c.stream, c.state)
}

// LoadLatestCheckpoint returns the record to resume from: the earliest block
// still missing expected events when one exists, otherwise the most advanced
// recorded block. It returns ErrNoCheckpoint when nothing was persisted.
func (c *Checkpointer) LoadLatestCheckpoint(ctx context.Context) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return Record{}, err
	}
	if len(c.state) == 0 {
		return Record{}, ErrNoCheckpoint
	}

	blocks := make([]uint64, 0, len(c.state))
	for n := range c.state {
		blocks = append(blocks, n)
	}
	slices.Sort(blocks)

	for _, n := range blocks {
		if record := c.state[n]; !record.Complete() {
			return record, nil
		}
	}

	return c.state[blocks[len(blocks)-1]], nil
}

// GetStartBlock derives the block number to resume listening from: the
// highest recorded block, or the configured default when no checkpoint
// exists.
func (c *Checkpointer) GetStartBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	if len(c.state) == 0 {
		return c.defaultStart, nil
	}

	var max uint64
	for n := range c.state {
		if n > max {
			max = n
		}
	}
	return max, nil
}

// Prune retains only the maxLength most recent block records and persists
// the result, bounding storage growth for long-lived listeners.
func (c *Checkpointer) Prune(ctx context.Context, maxLength int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.pruneLocked(maxLength)
	return c.store.Save(ctx, c.stream, c.state)
}

// pruneLocked drops the oldest records past maxLength. Caller holds c.mu.
func (c *Checkpointer) pruneLocked(maxLength int) {
	if maxLength <= 0 || len(c.state) <= maxLength {
		return
	}

	blocks := make([]uint64, 0, len(c.state))
	for n := range c.state {
		blocks = append(blocks, n)
	}
	slices.Sort(blocks)

	for _, n := range blocks[:len(blocks)-maxLength] {
		delete(c.state, n)
	}
}

// Reset discards all persisted state for the stream. Intended for manual
// recovery after corruption.
func (c *Checkpointer) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(ctx, c.stream); err != nil {
		return fmt.Errorf("resetting checkpoint %s: %w", c.stream, err)
	}

	c.state = make(State)
	c.loaded = true
	return nil
}
