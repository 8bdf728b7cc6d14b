package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gabapcia/commitstream/internal/checkpoint"
	"github.com/gabapcia/commitstream/internal/eventsource"
	"github.com/gabapcia/commitstream/internal/pkg/resilience/retry"
	"github.com/gabapcia/commitstream/internal/pkg/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	events chan eventsource.BlockEvent
	done   chan error
}

func (d *fakeDelivery) Events() <-chan eventsource.BlockEvent { return d.events }
func (d *fakeDelivery) Done() <-chan error                    { return d.done }
func (d *fakeDelivery) Stop()                                 {}

type fakeConn struct {
	delivery *fakeDelivery

	mu        sync.Mutex
	lastReq   eventsource.DeliverRequest
	delivered bool
	closed    int
}

func (c *fakeConn) Deliver(ctx context.Context, req eventsource.DeliverRequest) (eventsource.Delivery, error) {
	c.mu.Lock()
	c.lastReq = req
	c.delivered = true
	c.mu.Unlock()
	return c.delivery, nil
}

// req returns the deliver request once Deliver ran, blocking briefly so tests
// never race the dispatch goroutine.
func (c *fakeConn) req(t *testing.T) eventsource.DeliverRequest {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		delivered, req := c.delivered, c.lastReq
		c.mu.Unlock()
		if delivered {
			return req
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for deliver request")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out one fresh connection per dial and lets tests drive
// or kill each peer's streams.
type fakeTransport struct {
	mu      sync.Mutex
	conns   map[string][]*fakeConn
	failing map[string]error
	dials   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns:   make(map[string][]*fakeConn),
		failing: make(map[string]error),
	}
}

func (t *fakeTransport) Connect(ctx context.Context, peer eventsource.Peer) (eventsource.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials = append(t.dials, peer.Address)
	if err := t.failing[peer.Address]; err != nil {
		return nil, err
	}

	conn := &fakeConn{delivery: &fakeDelivery{
		events: make(chan eventsource.BlockEvent, 16),
		done:   make(chan error, 1),
	}}
	t.conns[peer.Address] = append(t.conns[peer.Address], conn)
	return conn, nil
}

func (t *fakeTransport) refuse(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[address] = err
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

// latest returns the most recent connection dialed to address.
func (t *fakeTransport) latest(address string) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := t.conns[address]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (t *fakeTransport) emit(address string, event eventsource.BlockEvent) {
	t.latest(address).delivery.events <- event
}

func (t *fakeTransport) kill(address string, err error) {
	t.latest(address).delivery.done <- err
}

var managerPeers = []eventsource.Peer{
	{Address: "peer0:7051", MSPID: "Org1MSP"},
	{Address: "peer1:7051", MSPID: "Org1MSP"},
}

// fastRetry keeps failover tests from sleeping through real backoff delays.
func fastRetry() retry.Retry {
	return retry.New(
		retry.WithAttempts(2),
		retry.WithDelay(time.Millisecond),
		retry.WithMaxDelay(time.Millisecond),
	)
}

func newTestManager(t *testing.T, peers []eventsource.Peer) (*Manager, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	registry, err := eventsource.NewRegistry(transport)
	require.NoError(t, err)
	t.Cleanup(registry.Dispose)

	manager, err := NewManager(registry, peers, WithRetry(fastRetry()))
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return manager, transport
}

func receiveWithin[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		panic("unreachable")
	}
}

func TestNewManager(t *testing.T) {
	transport := newFakeTransport()
	registry, err := eventsource.NewRegistry(transport)
	require.NoError(t, err)

	t.Run("creates a manager", func(t *testing.T) {
		manager, err := NewManager(registry, managerPeers)

		require.NoError(t, err)
		assert.NotNil(t, manager)
	})

	t.Run("requires a registry", func(t *testing.T) {
		_, err := NewManager(nil, managerPeers)
		assert.ErrorIs(t, err, validator.ErrValidationFailed)
	})

	t.Run("requires at least one peer", func(t *testing.T) {
		_, err := NewManager(registry, nil)
		assert.ErrorIs(t, err, validator.ErrValidationFailed)
	})
}

func TestManagerSharedBlockListeners(t *testing.T) {
	t.Run("multiplexes realtime listeners onto one source", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		channels := make([]chan eventsource.BlockEvent, 3)
		for i := range channels {
			ch := make(chan eventsource.BlockEvent, 8)
			channels[i] = ch
			_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
				ch <- event
			}, BlockListenerOptions{})
			require.NoError(t, err)
		}

		assert.Equal(t, 1, transport.dialCount())

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 7})
		for _, ch := range channels {
			assert.Equal(t, uint64(7), receiveWithin(t, ch).Number)
		}
	})

	t.Run("removing a listener leaves the others attached", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		first := make(chan eventsource.BlockEvent, 8)
		firstHandle, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			first <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		second := make(chan eventsource.BlockEvent, 8)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			second <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		require.NoError(t, manager.RemoveBlockListener(firstHandle))

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 8})
		assert.Equal(t, uint64(8), receiveWithin(t, second).Number)
		assert.Empty(t, first)
	})

	t.Run("removing the last listener releases the shared session", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		events := make(chan eventsource.BlockEvent, 8)
		handle, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		require.NoError(t, manager.RemoveBlockListener(handle))
		assert.ErrorIs(t, manager.RemoveBlockListener(handle), ErrUnknownListener)

		// The shared source stays with the registry; only the session's
		// registrations are gone.
		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 9})
		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, events)
		assert.Equal(t, 0, transport.latest("peer0:7051").closedCount())
	})

	t.Run("unregister-after-first delivers exactly one block", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		once := make(chan eventsource.BlockEvent, 8)
		handle, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			once <- event
		}, BlockListenerOptions{UnregisterAfterFirst: true})
		require.NoError(t, err)

		steady := make(chan eventsource.BlockEvent, 8)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			steady <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 1})
		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 2})

		assert.Equal(t, uint64(1), receiveWithin(t, once).Number)
		receiveWithin(t, steady)
		receiveWithin(t, steady)
		assert.Empty(t, once)

		assert.ErrorIs(t, manager.RemoveBlockListener(handle), ErrUnknownListener)
	})
}

func TestManagerSharedFailover(t *testing.T) {
	t.Run("fails over to another peer transparently", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		events := make(chan eventsource.BlockEvent, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 1})
		receiveWithin(t, events)

		transport.kill("peer0:7051", errors.New("stream reset"))

		require.Eventually(t, func() bool {
			return transport.latest("peer1:7051") != nil
		}, 2*time.Second, 10*time.Millisecond)

		transport.emit("peer1:7051", eventsource.BlockEvent{Number: 2})
		assert.Equal(t, uint64(2), receiveWithin(t, events).Number)
	})

	t.Run("surfaces exhaustion to the listener's error callback", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		failures := make(chan error, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{OnError: func(ctx context.Context, err error) { failures <- err }})
		require.NoError(t, err)

		// The only peer dies and stays in cooldown, so no failover target
		// remains.
		transport.refuse("peer0:7051", errors.New("connection refused"))
		transport.kill("peer0:7051", errors.New("stream reset"))

		assert.ErrorIs(t, receiveWithin(t, failures), ErrNoAvailableEventSource)
	})

	t.Run("registration on a degraded session fails instead of stalling", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		failures := make(chan error, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{OnError: func(ctx context.Context, err error) { failures <- err }})
		require.NoError(t, err)

		transport.refuse("peer0:7051", errors.New("connection refused"))
		transport.kill("peer0:7051", errors.New("stream reset"))
		assert.ErrorIs(t, receiveWithin(t, failures), ErrNoAvailableEventSource)

		// The session survives with no source bound. A new registration must
		// retry the connect and report the failure to its caller rather than
		// attach a listener that can never receive an event.
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {}, BlockListenerOptions{})
		assert.ErrorIs(t, err, ErrNoAvailableEventSource)
	})

	t.Run("registration on a degraded session reconnects once a peer recovers", func(t *testing.T) {
		transport := newFakeTransport()
		registry, err := eventsource.NewRegistry(transport)
		require.NoError(t, err)
		t.Cleanup(registry.Dispose)

		manager, err := NewManager(registry, managerPeers[:1],
			WithRetry(fastRetry()),
			WithFailoverCooldown(time.Millisecond),
		)
		require.NoError(t, err)
		t.Cleanup(manager.Close)

		failures := make(chan error, 8)
		stale := make(chan eventsource.BlockEvent, 8)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			stale <- event
		}, BlockListenerOptions{OnError: func(ctx context.Context, err error) { failures <- err }})
		require.NoError(t, err)

		transport.refuse("peer0:7051", errors.New("connection refused"))
		transport.kill("peer0:7051", errors.New("stream reset"))
		assert.Error(t, receiveWithin(t, failures))

		transport.refuse("peer0:7051", nil)
		time.Sleep(20 * time.Millisecond)

		fresh := make(chan eventsource.BlockEvent, 8)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			fresh <- event
		}, BlockListenerOptions{})
		require.NoError(t, err)

		// The reconnected source serves the surviving listener too.
		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 3})
		assert.Equal(t, uint64(3), receiveWithin(t, fresh).Number)
		assert.Equal(t, uint64(3), receiveWithin(t, stale).Number)
	})
}

func TestManagerIsolatedBlockListeners(t *testing.T) {
	t.Run("an explicit start block gets a dedicated source", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		start := uint64(100)
		events := make(chan eventsource.BlockEvent, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{StartBlock: &start})
		require.NoError(t, err)

		conn := transport.latest("peer0:7051")
		require.NotNil(t, conn)
		req := conn.req(t)
		require.NotNil(t, req.StartBlock)
		assert.Equal(t, uint64(100), *req.StartBlock)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 100})
		assert.Equal(t, uint64(100), receiveWithin(t, events).Number)
	})

	t.Run("isolated listeners never share a source", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		start := uint64(5)
		for range 2 {
			_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
				BlockListenerOptions{StartBlock: &start})
			require.NoError(t, err)
		}

		assert.Equal(t, 2, transport.dialCount())
	})

	t.Run("removal tears the dedicated source down", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		start := uint64(5)
		handle, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{StartBlock: &start})
		require.NoError(t, err)

		require.NoError(t, manager.RemoveBlockListener(handle))

		assert.Equal(t, 1, transport.latest("peer0:7051").closedCount())
	})

	t.Run("a completed bounded replay reports nil and removes itself", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		start, end := uint64(1), uint64(2)
		events := make(chan eventsource.BlockEvent, 8)
		completions := make(chan error, 8)
		handle, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{
			StartBlock: &start,
			EndBlock:   &end,
			OnError:    func(ctx context.Context, err error) { completions <- err },
		})
		require.NoError(t, err)

		req := transport.latest("peer0:7051").req(t)
		require.NotNil(t, req.EndBlock)
		assert.Equal(t, uint64(2), *req.EndBlock)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 1})
		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 2})
		transport.kill("peer0:7051", nil)

		receiveWithin(t, events)
		receiveWithin(t, events)
		assert.NoError(t, receiveWithin(t, completions))

		assert.Eventually(t, func() bool {
			return manager.RemoveBlockListener(handle) != nil
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unregister-after-first closes the dedicated source", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		start := uint64(1)
		events := make(chan eventsource.BlockEvent, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{StartBlock: &start, UnregisterAfterFirst: true})
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 1})
		receiveWithin(t, events)

		assert.Eventually(t, func() bool {
			return transport.latest("peer0:7051").closedCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestManagerIsolatedFailover(t *testing.T) {
	t.Run("resumes after the last delivered block", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		start := uint64(10)
		events := make(chan eventsource.BlockEvent, 8)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{StartBlock: &start})
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 10})
		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 11})
		receiveWithin(t, events)
		receiveWithin(t, events)

		transport.kill("peer0:7051", errors.New("stream reset"))

		require.Eventually(t, func() bool {
			return transport.latest("peer1:7051") != nil
		}, 2*time.Second, 10*time.Millisecond)

		req := transport.latest("peer1:7051").req(t)
		require.NotNil(t, req.StartBlock)
		assert.Equal(t, uint64(12), *req.StartBlock)

		transport.emit("peer1:7051", eventsource.BlockEvent{Number: 12})
		assert.Equal(t, uint64(12), receiveWithin(t, events).Number)
	})
}

func TestManagerCheckpointedListeners(t *testing.T) {
	stream := checkpoint.StreamID{Channel: "mychannel", ListenerName: "audit"}

	t.Run("a recorded checkpoint wins over the explicit start block", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		store := newMemoryCheckpointStore()
		cp, err := checkpoint.New(store, stream)
		require.NoError(t, err)
		require.NoError(t, cp.Save(t.Context(), 41, ""))

		start := uint64(5)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{StartBlock: &start, Checkpointer: cp})
		require.NoError(t, err)

		req := transport.latest("peer0:7051").req(t)
		require.NotNil(t, req.StartBlock)
		assert.Equal(t, uint64(41), *req.StartBlock)
	})

	t.Run("checkpoints every delivered block", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		store := newMemoryCheckpointStore()
		cp, err := checkpoint.New(store, stream)
		require.NoError(t, err)

		start := uint64(1)
		events := make(chan eventsource.BlockEvent, 8)
		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {
			events <- event
		}, BlockListenerOptions{StartBlock: &start, Checkpointer: cp})
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{Number: 1})
		receiveWithin(t, events)

		assert.Eventually(t, func() bool {
			n, err := cp.GetStartBlock(t.Context())
			return err == nil && n == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("corrupted checkpoint state refuses to open", func(t *testing.T) {
		manager, _ := newTestManager(t, managerPeers[:1])

		store := newMemoryCheckpointStore()
		store.loadErr = checkpoint.ErrCheckpointCorrupted
		cp, err := checkpoint.New(store, stream)
		require.NoError(t, err)

		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{Checkpointer: cp})
		assert.ErrorIs(t, err, checkpoint.ErrCheckpointCorrupted)
	})
}

func TestManagerCommitListeners(t *testing.T) {
	t.Run("delivers commit notifications from each peer", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers)

		commits := make(chan eventsource.CommitEvent, 8)
		_, err := manager.AddCommitListener(t.Context(), func(ctx context.Context, event eventsource.CommitEvent) {
			commits <- event
		}, managerPeers, "tx-1")
		require.NoError(t, err)

		transport.emit("peer0:7051", eventsource.BlockEvent{
			Number:       3,
			Transactions: []eventsource.TransactionEvent{{ID: "tx-1", Status: eventsource.TxValid}},
		})

		event := receiveWithin(t, commits)
		assert.Equal(t, "tx-1", event.TransactionID)
		assert.Equal(t, "peer0:7051", event.Peer.Address)
		assert.Equal(t, uint64(3), event.BlockNumber)
	})

	t.Run("removal stops further notifications", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		commits := make(chan eventsource.CommitEvent, 8)
		handle, err := manager.AddCommitListener(t.Context(), func(ctx context.Context, event eventsource.CommitEvent) {
			commits <- event
		}, managerPeers[:1], "tx-1")
		require.NoError(t, err)

		require.NoError(t, manager.RemoveCommitListener(handle))
		assert.ErrorIs(t, manager.RemoveCommitListener(handle), ErrUnknownListener)

		transport.emit("peer0:7051", eventsource.BlockEvent{
			Number:       3,
			Transactions: []eventsource.TransactionEvent{{ID: "tx-1", Status: eventsource.TxValid}},
		})
		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, commits)
	})
}

func TestManagerClose(t *testing.T) {
	t.Run("removes every listener and rejects further use", func(t *testing.T) {
		manager, transport := newTestManager(t, managerPeers[:1])

		start := uint64(1)
		_, err := manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {},
			BlockListenerOptions{StartBlock: &start})
		require.NoError(t, err)

		manager.Close()
		manager.Close() // idempotent

		assert.Equal(t, 1, transport.latest("peer0:7051").closedCount())

		_, err = manager.AddBlockListener(t.Context(), func(ctx context.Context, event eventsource.BlockEvent) {}, BlockListenerOptions{})
		assert.ErrorIs(t, err, ErrManagerClosed)

		_, err = manager.AddCommitListener(t.Context(), func(ctx context.Context, event eventsource.CommitEvent) {}, managerPeers[:1], "tx-1")
		assert.ErrorIs(t, err, ErrManagerClosed)

		assert.ErrorIs(t, manager.RemoveBlockListener("whatever"), ErrManagerClosed)
	})
}

// memoryCheckpointStore is a minimal in-memory checkpoint.Store for session
// tests.
type memoryCheckpointStore struct {
	mu      sync.Mutex
	states  map[string]checkpoint.State
	loadErr error
}

func newMemoryCheckpointStore() *memoryCheckpointStore {
	return &memoryCheckpointStore{states: make(map[string]checkpoint.State)}
}

func (s *memoryCheckpointStore) Save(ctx context.Context, stream string, state checkpoint.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(checkpoint.State, len(state))
	for n, record := range state {
		copied[n] = record
	}
	s.states[stream] = copied
	return nil
}

func (s *memoryCheckpointStore) Load(ctx context.Context, stream string) (checkpoint.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	state, ok := s.states[stream]
	if !ok {
		return nil, checkpoint.ErrNoCheckpoint
	}
	return state, nil
}

func (s *memoryCheckpointStore) Delete(ctx context.Context, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, stream)
	return nil
}
