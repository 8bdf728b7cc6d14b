package session

import (
	"context"
	"sync"

	"github.com/gabapcia/commitstream/internal/eventsource"
	"github.com/gabapcia/commitstream/internal/pkg/logger"
)

// attachedListener is one listener in a shared session's fan-out list.
type attachedListener struct {
	id    ListenerHandle
	fn    BlockListener
	onErr ErrorListener
	once  bool // unregister after the first delivered block
}

// sharedSession multiplexes every realtime listener of one deliver kind onto
// a single long-lived source. The session is reference-counted by listener
// count: the first attach opens the source, the last detach releases it.
type sharedSession struct {
	manager *Manager
	kind    eventsource.DeliverKind

	mu         sync.Mutex
	listeners  []*attachedListener
	handle     *eventsource.SourceHandle
	peer       eventsource.Peer
	connecting bool
}

func newSharedSession(m *Manager, kind eventsource.DeliverKind) *sharedSession {
	return &sharedSession{manager: m, kind: kind}
}

// attach appends the listener to the fan-out list, connecting the session
// whenever it has no source bound and no connect is already in flight. A
// session left degraded by failover exhaustion is retried here, so a new
// registration either binds a healthy peer again or fails with the
// selector's error instead of stalling silently.
func (s *sharedSession) attach(ctx context.Context, id ListenerHandle, fn BlockListener, opts BlockListenerOptions) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, &attachedListener{
		id:    id,
		fn:    fn,
		onErr: opts.OnError,
		once:  opts.UnregisterAfterFirst,
	})
	needOpen := s.handle == nil && !s.connecting
	if needOpen {
		s.connecting = true
	}
	s.mu.Unlock()

	if !needOpen {
		return nil
	}

	err := s.connect(ctx)
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()

	if err != nil {
		s.detach(id)
		return err
	}
	return nil
}

// connect selects a healthy peer and binds the session to its shared source.
// Peer selection and dialing are retried under the manager's retry policy;
// each failing peer is put into cooldown before the next attempt.
func (s *sharedSession) connect(ctx context.Context) error {
	var (
		handle *eventsource.SourceHandle
		peer   eventsource.Peer
	)

	err := s.manager.retry.Execute(ctx, func() error {
		p, err := s.manager.selector.Next()
		if err != nil {
			return err
		}

		h, err := s.manager.registry.GetSource(ctx, p, s.kind)
		if err != nil {
			s.manager.selector.MarkFailed(p)
			return err
		}

		handle, peer = h, p
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := handle.RegisterBlockListener(s.fanout, s.onSourceError); err != nil {
		handle.Release()
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.peer = peer
	s.mu.Unlock()

	return nil
}

// fanout delivers one block to every attached listener in attach order, then
// drops the listeners that asked to be unregistered after their first event.
func (s *sharedSession) fanout(ctx context.Context, event eventsource.BlockEvent) {
	s.mu.Lock()
	listeners := make([]*attachedListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	var spent []ListenerHandle
	for _, l := range listeners {
		l.fn(ctx, event)
		if l.once {
			spent = append(spent, l.id)
		}
	}

	for _, id := range spent {
		s.manager.dropBinding(id)
		s.detach(id)
	}
}

// detach removes one listener. When the fan-out list empties, the source
// reference is released back to the registry and the session is discarded.
func (s *sharedSession) detach(id ListenerHandle) {
	s.mu.Lock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	empty := len(s.listeners) == 0
	var handle *eventsource.SourceHandle
	if empty {
		handle = s.handle
		s.handle = nil
	}
	s.mu.Unlock()

	if !empty {
		return
	}

	if handle != nil {
		handle.Release()
	}
	s.manager.releaseShared(s.kind, s)
}

// onSourceError handles the terminal signal of the current source. While
// listeners remain attached the session fails over to another peer; only
// when no healthy peer is left is the error surfaced to the listeners.
func (s *sharedSession) onSourceError(ctx context.Context, err error) {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.handle = nil
		s.mu.Unlock()
		return
	}
	handle := s.handle
	failedPeer := s.peer
	s.handle = nil
	s.connecting = true
	s.mu.Unlock()

	if handle != nil {
		handle.Release()
	}
	s.manager.selector.MarkFailed(failedPeer)

	logger.Warn(ctx, "shared block session lost its event source, failing over",
		"peer.address", failedPeer.Address,
		"deliver.kind", s.kind.String(),
		"error", err,
	)

	ferr := s.connect(ctx)
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()

	if ferr != nil {
		s.mu.Lock()
		listeners := make([]*attachedListener, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		for _, l := range listeners {
			if l.onErr != nil {
				l.onErr(ctx, ferr)
			}
		}
		return
	}

	s.mu.Lock()
	newPeer := s.peer
	s.mu.Unlock()

	logger.Info(ctx, "shared block session failed over",
		"peer.failed", failedPeer.Address,
		"peer.current", newPeer.Address,
		"deliver.kind", s.kind.String(),
	)
}
