package session

import (
	"context"
	"errors"
	"sync"

	"github.com/gabapcia/commitstream/internal/checkpoint"
	"github.com/gabapcia/commitstream/internal/eventsource"
	"github.com/gabapcia/commitstream/internal/pkg/logger"
)

// isolatedSession binds one listener to a source dedicated to it. Replay
// positions and private-data access rights are listener-specific, so these
// sessions are never shared; removing the listener tears the source down
// entirely.
type isolatedSession struct {
	manager *Manager
	handle  ListenerHandle
	fn      BlockListener
	opts    BlockListenerOptions

	mu            sync.Mutex
	owned         *eventsource.OwnedSource
	peer          eventsource.Peer
	lastDelivered *uint64
	removed       bool
}

func newIsolatedSession(m *Manager, handle ListenerHandle, fn BlockListener, opts BlockListenerOptions) *isolatedSession {
	return &isolatedSession{
		manager: m,
		handle:  handle,
		fn:      fn,
		opts:    opts,
	}
}

// startPosition resolves the block to begin delivery from. A recorded
// checkpoint always wins so restarts and failovers never skip events; an
// explicit StartBlock applies when nothing was checkpointed yet; otherwise
// delivery starts "now".
func (s *isolatedSession) startPosition(ctx context.Context) (*uint64, error) {
	cp := s.opts.Checkpointer
	if cp != nil {
		if _, err := cp.LoadLatestCheckpoint(ctx); err == nil {
			n, err := cp.GetStartBlock(ctx)
			if err != nil {
				return nil, err
			}
			return &n, nil
		} else if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			// Corruption is fatal for the stream; do not guess a position.
			return nil, err
		}
	}

	if s.opts.StartBlock != nil {
		start := *s.opts.StartBlock
		return &start, nil
	}

	return nil, nil
}

// open resolves the start position and opens the dedicated source.
func (s *isolatedSession) open(ctx context.Context) error {
	start, err := s.startPosition(ctx)
	if err != nil {
		return err
	}

	return s.openFrom(ctx, start)
}

// openFrom opens a dedicated source starting at the given block, selecting a
// healthy peer under the manager's retry policy.
func (s *isolatedSession) openFrom(ctx context.Context, start *uint64) error {
	req := eventsource.DeliverRequest{
		Kind:       s.opts.Kind,
		StartBlock: start,
		EndBlock:   s.opts.EndBlock,
	}

	var (
		owned *eventsource.OwnedSource
		peer  eventsource.Peer
	)

	err := s.manager.retry.Execute(ctx, func() error {
		p, err := s.manager.selector.Next()
		if err != nil {
			return err
		}

		o, err := s.manager.registry.OpenDedicated(ctx, p, req)
		if err != nil {
			s.manager.selector.MarkFailed(p)
			return err
		}

		owned, peer = o, p
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := owned.Source().RegisterBlockListener(s.deliver, s.onSourceError); err != nil {
		owned.Close()
		return err
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		owned.Close()
		return nil
	}
	s.owned = owned
	s.peer = peer
	s.mu.Unlock()

	return nil
}

// deliver forwards one block to the listener, checkpoints it when a
// checkpointer is configured, and honors unregister-after-first.
func (s *isolatedSession) deliver(ctx context.Context, event eventsource.BlockEvent) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fn(ctx, event)

	if cp := s.opts.Checkpointer; cp != nil {
		// A failed checkpoint write must not stall event delivery.
		if err := cp.Save(ctx, event.Number, ""); err != nil {
			logger.Error(ctx, "failed to save checkpoint",
				"stream", cp.Stream(),
				"block.number", event.Number,
				"error", err,
			)
		}
	}

	s.mu.Lock()
	n := event.Number
	s.lastDelivered = &n
	once := s.opts.UnregisterAfterFirst
	s.mu.Unlock()

	if once {
		s.manager.dropBinding(s.handle)
		s.remove()
	}
}

// onSourceError handles the dedicated source's terminal signal. A nil error
// means a bounded replay completed: the session reports it and removes
// itself. Anything else triggers failover to another peer, resuming from the
// checkpoint when configured, from the last delivered block otherwise.
func (s *isolatedSession) onSourceError(ctx context.Context, err error) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	owned := s.owned
	failedPeer := s.peer
	last := s.lastDelivered
	s.owned = nil
	s.mu.Unlock()

	if owned != nil {
		owned.Close()
	}

	if err == nil {
		// Requested range fully delivered.
		if s.opts.OnError != nil {
			s.opts.OnError(ctx, nil)
		}
		s.manager.dropBinding(s.handle)
		s.mu.Lock()
		s.removed = true
		s.mu.Unlock()
		return
	}

	s.manager.selector.MarkFailed(failedPeer)

	logger.Warn(ctx, "isolated block session lost its event source, failing over",
		"peer.address", failedPeer.Address,
		"error", err,
	)

	start, serr := s.resumePosition(ctx, last)
	if serr == nil {
		serr = s.openFrom(ctx, start)
	}
	if serr != nil {
		if s.opts.OnError != nil {
			s.opts.OnError(ctx, serr)
		}
		return
	}

	s.mu.Lock()
	newPeer := s.peer
	s.mu.Unlock()

	logger.Info(ctx, "isolated block session failed over",
		"peer.failed", failedPeer.Address,
		"peer.current", newPeer.Address,
	)
}

// resumePosition decides where a failover restart begins: the checkpointed
// block when available, else the block after the last one delivered, else
// the originally requested start.
func (s *isolatedSession) resumePosition(ctx context.Context, last *uint64) (*uint64, error) {
	if cp := s.opts.Checkpointer; cp != nil {
		if _, err := cp.LoadLatestCheckpoint(ctx); err == nil {
			n, err := cp.GetStartBlock(ctx)
			if err != nil {
				return nil, err
			}
			return &n, nil
		} else if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return nil, err
		}
	}

	if last != nil {
		next := *last + 1
		return &next, nil
	}

	if s.opts.StartBlock != nil {
		start := *s.opts.StartBlock
		return &start, nil
	}

	return nil, nil
}

// remove implements binding: it tears the dedicated source down.
func (s *isolatedSession) remove() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	owned := s.owned
	s.owned = nil
	s.mu.Unlock()

	if owned != nil {
		owned.Close()
	}
}
