package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabapcia/commitstream/internal/eventsource"
	"github.com/gabapcia/commitstream/internal/pkg/logger"
	"github.com/gabapcia/commitstream/internal/pkg/types"
)

// ErrAlreadyListening is returned when StartListening is called twice on the
// same handler.
var ErrAlreadyListening = errors.New("transaction handler already listening")

// handlerState tracks the Created -> Listening -> Settled lifecycle.
type handlerState int

const (
	stateCreated handlerState = iota
	stateListening
	stateSettled
)

// TransactionHandler tracks the commit of exactly one submitted transaction.
// It registers a commit listener on every peer the strategy targets, feeds
// their responses into the quorum evaluator, and settles exactly once:
// success, invalid status, or timeout. Whichever signal arrives first wins;
// everything after settlement is discarded.
type TransactionHandler struct {
	txID     string
	strategy Strategy
	registry *eventsource.Registry
	timeout  time.Duration

	mu        sync.Mutex
	state     handlerState
	eval      *evaluator
	peers     []eventsource.Peer
	responded types.Set[string]
	handles   []*eventsource.SourceHandle
	regs      []eventsource.Registration
	timer     *time.Timer

	result error
	done   chan struct{}
}

// config holds handler construction options.
type handlerConfig struct {
	timeout time.Duration
}

// HandlerOption customizes a TransactionHandler.
type HandlerOption func(*handlerConfig)

// WithCommitTimeout bounds how long the handler waits for the quorum. Zero,
// the default, means wait indefinitely.
func WithCommitTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		c.timeout = d
	}
}

// NewTransactionHandler builds a handler for txID over the strategy's target
// peers. Registration does not start until StartListening.
func NewTransactionHandler(registry *eventsource.Registry, txID string, strategy Strategy, opts ...HandlerOption) (*TransactionHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", eventsource.ErrInvalidConfiguration)
	}
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction ID is required", eventsource.ErrInvalidConfiguration)
	}

	cfg := handlerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &TransactionHandler{
		txID:      txID,
		strategy:  strategy,
		registry:  registry,
		timeout:   cfg.timeout,
		eval:      newEvaluator(strategy),
		responded: types.NewSet[string](),
		done:      make(chan struct{}),
	}, nil
}

// StartListening resolves the target peers, registers a commit listener with
// each of their sources, and arms the deadline timer. It returns without
// blocking; use WaitForEvents to observe the settlement.
//
// With zero targeted peers the handler settles success immediately and no
// timer is armed.
func (h *TransactionHandler) StartListening(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateCreated {
		h.mu.Unlock()
		return ErrAlreadyListening
	}
	h.state = stateListening
	h.peers = h.strategy.Peers()
	peers := h.peers
	h.mu.Unlock()

	if len(peers) == 0 {
		h.settle(ctx, nil)
		return nil
	}

	handles, err := h.registry.GetSources(ctx, peers, eventsource.Filtered)
	if err != nil {
		// Settle so a caller blocked in WaitForEvents observes the failure
		// instead of waiting forever.
		h.settle(ctx, err)
		return err
	}

	regs := make([]eventsource.Registration, 0, len(handles))
	for _, handle := range handles {
		peer := handle.Peer()
		reg, err := handle.RegisterCommitListener(h.txID,
			h.onCommitEvent,
			func(ctx context.Context, err error) { h.onPeerError(ctx, peer, err) },
		)
		if err != nil {
			for _, r := range regs {
				r.Unregister()
			}
			for _, hd := range handles {
				hd.Release()
			}
			h.settle(ctx, err)
			return err
		}
		regs = append(regs, reg)
	}

	h.mu.Lock()
	if h.state == stateSettled {
		// A zero-latency settlement raced the registration bookkeeping.
		h.mu.Unlock()
		for _, reg := range regs {
			reg.Unregister()
		}
		for _, hd := range handles {
			hd.Release()
		}
		return nil
	}
	h.handles = handles
	h.regs = regs
	if h.timeout > 0 {
		h.timer = time.AfterFunc(h.timeout, h.onTimeout)
	}
	h.mu.Unlock()

	return nil
}

// onCommitEvent handles one peer's commit notification. A non-valid status
// settles failure immediately, bypassing the quorum rule; a valid one is fed
// to the evaluator, which alone decides whether success is due.
func (h *TransactionHandler) onCommitEvent(ctx context.Context, event eventsource.CommitEvent) {
	h.mu.Lock()
	if h.state == stateSettled {
		h.mu.Unlock()
		return
	}

	h.responded.Add(event.Peer.Address)

	if !event.Status.Valid() {
		h.mu.Unlock()
		h.settle(ctx, &InvalidTransactionError{
			TransactionID: h.txID,
			Peer:          event.Peer,
			Code:          event.Status,
		})
		return
	}

	var succeeded bool
	h.eval.eventReceived(func() { succeeded = true })
	h.mu.Unlock()

	if succeeded {
		h.settle(ctx, nil)
	}
}

// onPeerError handles a peer's terminal signal (disconnect or transport
// failure). The peer counts as having responded for quorum purposes.
func (h *TransactionHandler) onPeerError(ctx context.Context, peer eventsource.Peer, err error) {
	h.mu.Lock()
	if h.state == stateSettled {
		h.mu.Unlock()
		return
	}

	h.responded.Add(peer.Address)

	var succeeded bool
	h.eval.errorReceived(func() { succeeded = true })
	h.mu.Unlock()

	if err != nil {
		logger.Debug(ctx, "peer error while awaiting commit",
			"transaction.id", h.txID,
			"peer.address", peer.Address,
			"error", err,
		)
	}

	if succeeded {
		h.settle(ctx, nil)
	}
}

// onTimeout fires when the deadline elapses before the quorum is met.
func (h *TransactionHandler) onTimeout() {
	h.mu.Lock()
	if h.state == stateSettled {
		h.mu.Unlock()
		return
	}

	unresponded := make([]eventsource.Peer, 0, len(h.peers))
	for _, peer := range h.peers {
		if !h.responded.Contains(peer.Address) {
			unresponded = append(unresponded, peer)
		}
	}
	h.mu.Unlock()

	h.settle(context.Background(), &TimeoutError{
		TransactionID:    h.txID,
		UnrespondedPeers: unresponded,
	})
}

// settle records the one-shot outcome. The first caller wins; later signals
// are discarded. Settlement disarms the timer and cancels every peer
// registration.
func (h *TransactionHandler) settle(ctx context.Context, result error) {
	h.mu.Lock()
	if h.state == stateSettled {
		h.mu.Unlock()
		return
	}
	h.state = stateSettled
	h.result = result
	close(h.done)
	h.mu.Unlock()

	h.CancelListening()

	if result != nil {
		logger.Debug(ctx, "transaction commit tracking failed",
			"transaction.id", h.txID,
			"error", result,
		)
		return
	}

	logger.Debug(ctx, "transaction commit observed",
		"transaction.id", h.txID,
		"strategy.rule", h.strategy.Rule().String(),
	)
}

// WaitForEvents blocks until the handler settles, returning nil on success
// or the settlement failure. It can be called by multiple goroutines and
// after settlement; every caller observes the same outcome.
func (h *TransactionHandler) WaitForEvents(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.result
	}
}

// CancelListening disarms the deadline timer and cancels every per-peer
// registration. It is idempotent and safe to call concurrently with pending
// responses.
func (h *TransactionHandler) CancelListening() {
	h.mu.Lock()
	timer := h.timer
	regs := h.regs
	handles := h.handles
	h.timer = nil
	h.regs = nil
	h.handles = nil
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, reg := range regs {
		reg.Unregister()
	}
	for _, handle := range handles {
		handle.Release()
	}
}
