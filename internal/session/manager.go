// Package session maps user-registered block and commit listeners onto
// underlying peer event sources. Realtime listeners are multiplexed onto one
// shared source per deliver kind; listeners needing replay, private data, or
// checkpointing get a dedicated source. When a peer drops a connection the
// session fails over to another peer transparently, resuming from the
// listener's checkpoint when one is configured.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabapcia/commitstream/internal/checkpoint"
	"github.com/gabapcia/commitstream/internal/eventsource"
	"github.com/gabapcia/commitstream/internal/pkg/resilience/retry"
	"github.com/gabapcia/commitstream/internal/pkg/validator"

	"github.com/google/uuid"
)

var (
	// ErrNoAvailableEventSource is returned when every peer in the target
	// set is unavailable or cooling down after a recent failure.
	ErrNoAvailableEventSource = errors.New("no available event source: all target peers are unavailable")

	// ErrManagerClosed is returned for operations on a closed Manager.
	ErrManagerClosed = errors.New("listener session manager closed")

	// ErrUnknownListener is returned when removing a handle the manager
	// does not know.
	ErrUnknownListener = errors.New("unknown listener handle")
)

// BlockListener receives block events in source arrival order.
type BlockListener func(ctx context.Context, event eventsource.BlockEvent)

// CommitListener receives commit notifications for a watched transaction.
type CommitListener func(ctx context.Context, event eventsource.CommitEvent)

// ErrorListener receives fatal session errors: failover exhaustion or the
// clean end of a bounded replay (reported as nil).
type ErrorListener func(ctx context.Context, err error)

// ListenerHandle identifies one registered listener.
type ListenerHandle string

// BlockListenerOptions shapes a block listener registration. A listener with
// an explicit start or end block, private-data access, or a checkpointer is
// placed on a dedicated source; everything else shares the realtime source
// of its kind.
type BlockListenerOptions struct {
	Kind                 eventsource.DeliverKind
	StartBlock           *uint64
	EndBlock             *uint64
	Checkpointer         *checkpoint.Checkpointer
	UnregisterAfterFirst bool
	OnError              ErrorListener
}

// isolated reports whether the options require a dedicated source.
func (o BlockListenerOptions) isolated() bool {
	return o.StartBlock != nil ||
		o.EndBlock != nil ||
		o.Kind == eventsource.FullWithPrivateData ||
		o.Checkpointer != nil
}

// binding ties a handle to whatever must be undone on removal.
type binding interface {
	remove()
}

// Manager is the listener session manager. It owns no sources itself: shared
// sources stay with the registry, dedicated ones with their session.
type Manager struct {
	registry *eventsource.Registry
	selector *peerSelector
	retry    retry.Retry

	mu       sync.Mutex
	shared   map[eventsource.DeliverKind]*sharedSession
	bindings map[ListenerHandle]binding
	closed   bool
}

// config holds Manager construction options.
type config struct {
	retry    retry.Retry
	cooldown time.Duration
}

// Option customizes a Manager.
type Option func(*config)

// WithRetry sets the retry policy pacing failover reconnect attempts.
func WithRetry(r retry.Retry) Option {
	return func(c *config) {
		c.retry = r
	}
}

// WithFailoverCooldown sets how long a peer is skipped after a failure.
// Default: 30 seconds.
func WithFailoverCooldown(d time.Duration) Option {
	return func(c *config) {
		c.cooldown = d
	}
}

// newInput is validated at construction time.
type newInput struct {
	Registry *eventsource.Registry `validate:"required"`
	Peers    []eventsource.Peer    `validate:"required,min=1"`
}

// NewManager builds a Manager over the registry and the configured target
// peers. Construction fails with validator.ErrValidationFailed when the
// registry is missing or the peer set is empty.
func NewManager(registry *eventsource.Registry, peers []eventsource.Peer, opts ...Option) (*Manager, error) {
	if err := validator.Validate(newInput{Registry: registry, Peers: peers}); err != nil {
		return nil, err
	}

	cfg := config{
		retry:    retry.New(),
		cooldown: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		registry: registry,
		selector: newPeerSelector(peers, cfg.cooldown),
		retry:    cfg.retry,
		shared:   make(map[eventsource.DeliverKind]*sharedSession),
		bindings: make(map[ListenerHandle]binding),
	}, nil
}

// AddBlockListener registers listener according to opts and returns its
// handle. The first realtime listener of a kind opens the shared source;
// isolated listeners always open their own.
func (m *Manager) AddBlockListener(ctx context.Context, listener BlockListener, opts BlockListenerOptions) (ListenerHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.mu.Unlock()

	handle := ListenerHandle(uuid.NewString())

	if opts.isolated() {
		iso := newIsolatedSession(m, handle, listener, opts)
		if err := iso.open(ctx); err != nil {
			return "", err
		}

		m.storeBinding(handle, iso)
		return handle, nil
	}

	m.mu.Lock()
	shared, ok := m.shared[opts.Kind]
	if !ok {
		shared = newSharedSession(m, opts.Kind)
		m.shared[opts.Kind] = shared
	}
	m.mu.Unlock()

	if err := shared.attach(ctx, handle, listener, opts); err != nil {
		return "", err
	}

	m.storeBinding(handle, &sharedBinding{session: shared, id: handle})
	return handle, nil
}

// RemoveBlockListener unregisters the listener behind handle. Removing the
// last listener of a shared source releases the source; removing an isolated
// listener tears its dedicated source down.
func (m *Manager) RemoveBlockListener(handle ListenerHandle) error {
	return m.removeBinding(handle)
}

// AddCommitListener registers listener for commit notifications of txID on
// each of the given peers.
func (m *Manager) AddCommitListener(ctx context.Context, listener CommitListener, peers []eventsource.Peer, txID string) (ListenerHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.mu.Unlock()

	handles, err := m.registry.GetSources(ctx, peers, eventsource.Filtered)
	if err != nil {
		return "", err
	}

	for _, h := range handles {
		if _, err := h.RegisterCommitListener(txID, eventsource.CommitCallback(listener), nil); err != nil {
			for _, prev := range handles {
				prev.Release()
			}
			return "", err
		}
	}

	handle := ListenerHandle(uuid.NewString())
	m.storeBinding(handle, &commitBinding{handles: handles})
	return handle, nil
}

// RemoveCommitListener unregisters the commit listener behind handle.
func (m *Manager) RemoveCommitListener(handle ListenerHandle) error {
	return m.removeBinding(handle)
}

// Close removes every listener and marks the manager unusable. The registry
// is left to its own owner.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	bindings := m.bindings
	m.bindings = nil
	m.shared = nil
	m.mu.Unlock()

	for _, b := range bindings {
		b.remove()
	}
}

func (m *Manager) storeBinding(handle ListenerHandle, b binding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindings != nil {
		m.bindings[handle] = b
	}
}

func (m *Manager) removeBinding(handle ListenerHandle) error {
	m.mu.Lock()
	if m.bindings == nil {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	b, ok := m.bindings[handle]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownListener
	}
	delete(m.bindings, handle)
	m.mu.Unlock()

	b.remove()
	return nil
}

// dropBinding forgets a handle without invoking its removal, used when a
// session removes itself (unregister-after-first, end of replay).
func (m *Manager) dropBinding(handle ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindings != nil {
		delete(m.bindings, handle)
	}
}

// releaseShared forgets an emptied shared session.
func (m *Manager) releaseShared(kind eventsource.DeliverKind, s *sharedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shared != nil && m.shared[kind] == s {
		delete(m.shared, kind)
	}
}

// sharedBinding undoes one listener's attachment to a shared session.
type sharedBinding struct {
	session *sharedSession
	id      ListenerHandle
}

func (b *sharedBinding) remove() {
	b.session.detach(b.id)
}

// commitBinding undoes a commit listener registration across its handles.
type commitBinding struct {
	handles []*eventsource.SourceHandle
}

func (b *commitBinding) remove() {
	for _, h := range b.handles {
		h.Release()
	}
}
