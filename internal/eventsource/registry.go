package eventsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidConfiguration indicates the registry or a source request
	// was built from invalid inputs.
	ErrInvalidConfiguration = errors.New("invalid event source configuration")

	// ErrRegistryDisposed is returned once Dispose has run.
	ErrRegistryDisposed = errors.New("event source registry disposed")
)

// Registry creates and caches one realtime Source per peer and deliver
// kind. Sources handed out through GetSource are shared: the handles the
// registry returns cannot tear the underlying connection down, so no single
// consumer can break the stream for the others. Dispose is the only real
// teardown and is meant to be tied to the owning network object's shutdown.
type Registry struct {
	transport Transport

	mu       sync.Mutex
	shared   map[string]*Source
	owned    map[*Source]struct{}
	disposed bool
}

// NewRegistry builds a Registry over the given transport. A nil transport
// fails with ErrInvalidConfiguration.
func NewRegistry(transport Transport) (*Registry, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfiguration)
	}

	return &Registry{
		transport: transport,
		shared:    make(map[string]*Source),
		owned:     make(map[*Source]struct{}),
	}, nil
}

func sharedKey(peer Peer, kind DeliverKind) string {
	return fmt.Sprintf("%s|%s", peer.Address, kind)
}

// GetSource returns a non-owning handle to the cached realtime source for
// the peer and kind, creating and connecting one on first use.
func (r *Registry) GetSource(ctx context.Context, peer Peer, kind DeliverKind) (*SourceHandle, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("%w: peer address is required", ErrInvalidConfiguration)
	}

	key := sharedKey(peer, kind)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrRegistryDisposed
	}

	src, ok := r.shared[key]
	if !ok {
		src = newSource(r.transport, peer, DeliverRequest{Kind: kind})
		r.shared[key] = src
	}
	r.mu.Unlock()

	if err := src.connect(ctx); err != nil {
		r.mu.Lock()
		if r.shared[key] == src {
			delete(r.shared, key)
		}
		r.mu.Unlock()
		return nil, err
	}

	return &SourceHandle{src: src}, nil
}

// GetSources resolves a handle for every peer. It fails on the first peer
// whose source cannot be created or connected.
func (r *Registry) GetSources(ctx context.Context, peers []Peer, kind DeliverKind) ([]*SourceHandle, error) {
	handles := make([]*SourceHandle, 0, len(peers))
	for _, peer := range peers {
		handle, err := r.GetSource(ctx, peer, kind)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}

	return handles, nil
}

// OpenDedicated creates a source used by exactly one consumer, typically for
// historical replay or private-data access. Unlike shared sources the caller
// owns it and must Close it when the listener is removed. The registry still
// tracks it so Dispose can sweep sources leaked past shutdown.
func (r *Registry) OpenDedicated(ctx context.Context, peer Peer, req DeliverRequest) (*OwnedSource, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("%w: peer address is required", ErrInvalidConfiguration)
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrRegistryDisposed
	}
	src := newSource(r.transport, peer, req)
	r.owned[src] = struct{}{}
	r.mu.Unlock()

	if err := src.connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.owned, src)
		r.mu.Unlock()
		return nil, err
	}

	return &OwnedSource{src: src, registry: r}, nil
}

// Dispose terminates every source the registry created, shared and
// dedicated alike. It is idempotent.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	shared := r.shared
	owned := r.owned
	r.shared = nil
	r.owned = nil
	r.mu.Unlock()

	for _, src := range shared {
		src.close()
	}
	for src := range owned {
		src.close()
	}
}

// SourceHandle is the non-owning reference consumers receive for a shared
// source. It deliberately exposes no teardown: releasing a handle only
// cancels the registrations made through it, never the connection.
type SourceHandle struct {
	src *Source

	mu       sync.Mutex
	regs     []Registration
	released bool
}

// Peer returns the peer the underlying source is bound to.
func (h *SourceHandle) Peer() Peer {
	return h.src.Peer()
}

// State returns the underlying source's lifecycle phase.
func (h *SourceHandle) State() State {
	return h.src.State()
}

// RegisterBlockListener attaches a block listener through this handle. The
// registration is also cancelled when the handle is released.
func (h *SourceHandle) RegisterBlockListener(fn BlockCallback, onErr ErrorCallback) (Registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrSourceClosed
	}

	reg, err := h.src.RegisterBlockListener(fn, onErr)
	if err != nil {
		return nil, err
	}

	h.regs = append(h.regs, reg)
	return reg, nil
}

// RegisterCommitListener attaches a commit listener for txID through this
// handle. The registration is also cancelled when the handle is released.
func (h *SourceHandle) RegisterCommitListener(txID string, fn CommitCallback, onErr ErrorCallback) (Registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrSourceClosed
	}

	reg, err := h.src.RegisterCommitListener(txID, fn, onErr)
	if err != nil {
		return nil, err
	}

	h.regs = append(h.regs, reg)
	return reg, nil
}

// Release drops every registration made through this handle. The underlying
// source stays connected for other consumers; only the registry's Dispose
// actually terminates it. Release is idempotent.
func (h *SourceHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	regs := h.regs
	h.regs = nil
	h.mu.Unlock()

	for _, reg := range regs {
		reg.Unregister()
	}
}

// OwnedSource wraps a dedicated source together with the right to tear it
// down.
type OwnedSource struct {
	src      *Source
	registry *Registry

	closeOnce sync.Once
}

// Source exposes the underlying source for listener registration.
func (o *OwnedSource) Source() *Source {
	return o.src
}

// Close terminates the dedicated source. It is idempotent.
func (o *OwnedSource) Close() {
	o.closeOnce.Do(func() {
		o.registry.mu.Lock()
		if o.registry.owned != nil {
			delete(o.registry.owned, o.src)
		}
		o.registry.mu.Unlock()

		o.src.close()
	})
}
