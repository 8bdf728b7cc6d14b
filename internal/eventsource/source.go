package eventsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gabapcia/commitstream/internal/pkg/logger"
)

var (
	// ErrConnect indicates the transport could not establish or open the
	// block stream with the peer.
	ErrConnect = errors.New("failed to connect to peer event source")

	// ErrSourceClosed is returned when registering on a source that has
	// already been torn down.
	ErrSourceClosed = errors.New("peer event source is closed")
)

// State is the lifecycle phase of a Source.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// BlockCallback receives block events in peer emission order.
type BlockCallback func(ctx context.Context, event BlockEvent)

// CommitCallback receives the commit notification for a watched transaction.
type CommitCallback func(ctx context.Context, event CommitEvent)

// ErrorCallback receives the terminal error of a source: a transport
// failure, a peer-initiated shutdown, or nil when a bounded replay range was
// fully delivered.
type ErrorCallback func(ctx context.Context, err error)

// Registration is a cancellable listener attachment. Unregister is
// idempotent and safe to call concurrently with event dispatch.
type Registration interface {
	Unregister()
}

type registration struct {
	once   sync.Once
	remove func()
}

func (r *registration) Unregister() {
	r.once.Do(r.remove)
}

type blockReg struct {
	id    uint64
	fn    BlockCallback
	onErr ErrorCallback
}

type commitReg struct {
	id    uint64
	txID  string
	fn    CommitCallback
	onErr ErrorCallback
}

// Source is a single logical subscription channel to one peer's event feed.
// Many consumers may register listeners on it concurrently, but only its
// owner (the Registry, or an OwnedSource wrapper) may tear it down.
type Source struct {
	peer       Peer
	kind       DeliverKind
	startBlock *uint64
	endBlock   *uint64
	transport  Transport

	mu         sync.Mutex
	state      State
	conn       Conn
	delivery   Delivery
	cancel     context.CancelFunc
	nextRegID  uint64
	blockRegs  []*blockReg
	commitRegs []*commitReg
	closed     bool
}

// newSource builds a disconnected Source for the given peer and
// subscription shape. Call connect before registering listeners.
func newSource(transport Transport, peer Peer, req DeliverRequest) *Source {
	return &Source{
		peer:       peer,
		kind:       req.Kind,
		startBlock: req.StartBlock,
		endBlock:   req.EndBlock,
		transport:  transport,
		state:      Disconnected,
	}
}

// Peer returns the peer this source is bound to.
func (s *Source) Peer() Peer {
	return s.peer
}

// Kind returns the deliver kind of the underlying subscription.
func (s *Source) Kind() DeliverKind {
	return s.kind
}

// State returns the current lifecycle phase.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connect dials the peer and opens the block stream. On success the source
// transitions to Connected and starts its dispatch loop; on failure it
// transitions to Failed and returns an error wrapping ErrConnect.
func (s *Source) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	if s.state == Connected || s.state == Connecting {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	req := DeliverRequest{Kind: s.kind, StartBlock: s.startBlock, EndBlock: s.endBlock}
	s.mu.Unlock()

	conn, err := s.transport.Connect(ctx, s.peer)
	if err != nil {
		s.fail()
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.peer.Address, err)
	}

	delivery, err := conn.Deliver(ctx, req)
	if err != nil {
		_ = conn.Close()
		s.fail()
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.peer.Address, err)
	}

	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		delivery.Stop()
		_ = conn.Close()
		return ErrSourceClosed
	}
	staleDelivery, staleConn := s.delivery, s.conn
	s.state = Connected
	s.conn = conn
	s.delivery = delivery
	s.cancel = cancel
	s.mu.Unlock()

	// Drop leftovers from a previous failed incarnation of this source.
	if staleDelivery != nil {
		staleDelivery.Stop()
	}
	if staleConn != nil {
		_ = staleConn.Close()
	}

	go s.dispatch(dispatchCtx, delivery)
	return nil
}

func (s *Source) fail() {
	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
}

// dispatch is the single delivery loop of the source. Running it on one
// goroutine guarantees listeners observe blocks in peer emission order.
func (s *Source) dispatch(ctx context.Context, delivery Delivery) {
	events := delivery.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// Stream drained; wait for the terminal error on Done.
				events = nil
				continue
			}
			s.dispatchBlock(ctx, event)
		case err := <-delivery.Done():
			s.drainEvents(ctx, events)
			s.finish(ctx, err)
			return
		}
	}
}

// drainEvents delivers any block events still buffered when the stream
// reports completion, so listeners never miss blocks that raced the
// terminal signal.
func (s *Source) drainEvents(ctx context.Context, events <-chan BlockEvent) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			s.dispatchBlock(ctx, event)
		default:
			return
		}
	}
}

// dispatchBlock fans a block event out to block listeners in attach order,
// then routes per-transaction commit notifications to matching commit
// listeners.
func (s *Source) dispatchBlock(ctx context.Context, event BlockEvent) {
	s.mu.Lock()
	blockRegs := make([]*blockReg, len(s.blockRegs))
	copy(blockRegs, s.blockRegs)
	commitRegs := make([]*commitReg, len(s.commitRegs))
	copy(commitRegs, s.commitRegs)
	s.mu.Unlock()

	for _, reg := range blockRegs {
		reg.fn(ctx, event)
	}

	for _, tx := range event.Transactions {
		for _, reg := range commitRegs {
			if reg.txID != tx.ID {
				continue
			}

			reg.fn(ctx, CommitEvent{
				Peer:          s.peer,
				TransactionID: tx.ID,
				Status:        tx.Status,
				BlockNumber:   event.Number,
			})
		}
	}
}

// finish marks the source terminal and notifies every registered listener's
// error callback once, in attach order. A nil err means a bounded replay
// range was fully delivered.
func (s *Source) finish(ctx context.Context, err error) {
	s.mu.Lock()
	if err != nil {
		s.state = Failed
	} else {
		s.state = Disconnected
	}
	blockRegs := make([]*blockReg, len(s.blockRegs))
	copy(blockRegs, s.blockRegs)
	commitRegs := make([]*commitReg, len(s.commitRegs))
	copy(commitRegs, s.commitRegs)
	s.mu.Unlock()

	if err != nil {
		logger.Warn(ctx, "peer event source disconnected",
			"peer.address", s.peer.Address,
			"error", err,
		)
	}

	for _, reg := range blockRegs {
		if reg.onErr != nil {
			reg.onErr(ctx, err)
		}
	}
	for _, reg := range commitRegs {
		if reg.onErr != nil {
			reg.onErr(ctx, err)
		}
	}
}

// RegisterBlockListener attaches fn to the block stream. onErr, when
// non-nil, is invoked once with the source's terminal error.
func (s *Source) RegisterBlockListener(fn BlockCallback, onErr ErrorCallback) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}

	s.nextRegID++
	reg := &blockReg{id: s.nextRegID, fn: fn, onErr: onErr}
	s.blockRegs = append(s.blockRegs, reg)

	return &registration{remove: func() { s.removeBlockReg(reg.id) }}, nil
}

// RegisterCommitListener attaches fn to commit notifications for txID. onErr,
// when non-nil, is invoked once with the source's terminal error.
func (s *Source) RegisterCommitListener(txID string, fn CommitCallback, onErr ErrorCallback) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}

	s.nextRegID++
	reg := &commitReg{id: s.nextRegID, txID: txID, fn: fn, onErr: onErr}
	s.commitRegs = append(s.commitRegs, reg)

	return &registration{remove: func() { s.removeCommitReg(reg.id) }}, nil
}

func (s *Source) removeBlockReg(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, reg := range s.blockRegs {
		if reg.id == id {
			s.blockRegs = append(s.blockRegs[:i], s.blockRegs[i+1:]...)
			return
		}
	}
}

func (s *Source) removeCommitReg(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, reg := range s.commitRegs {
		if reg.id == id {
			s.commitRegs = append(s.commitRegs[:i], s.commitRegs[i+1:]...)
			return
		}
	}
}

// close is the real teardown. Only the Registry and OwnedSource wrappers may
// call it; consumer-facing handles deliberately have no path to it.
func (s *Source) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Disconnected
	cancel, delivery, conn := s.cancel, s.delivery, s.conn
	s.cancel, s.delivery, s.conn = nil, nil, nil
	s.blockRegs = nil
	s.commitRegs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if delivery != nil {
		delivery.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
