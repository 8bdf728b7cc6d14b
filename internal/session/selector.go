package session

import (
	"sync"
	"time"

	"github.com/gabapcia/commitstream/internal/eventsource"
)

// peerSelector hands out target peers round-robin, skipping peers that
// failed within the cooldown window. It is the failover policy of the
// session manager.
type peerSelector struct {
	mu          sync.Mutex
	peers       []eventsource.Peer
	next        int
	failedUntil map[string]time.Time
	cooldown    time.Duration
	now         func() time.Time
}

func newPeerSelector(peers []eventsource.Peer, cooldown time.Duration) *peerSelector {
	owned := make([]eventsource.Peer, len(peers))
	copy(owned, peers)

	return &peerSelector{
		peers:       owned,
		failedUntil: make(map[string]time.Time),
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Next returns the next healthy peer in rotation. It fails with
// ErrNoAvailableEventSource when every peer is cooling down.
func (s *peerSelector) Next() (eventsource.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for range s.peers {
		peer := s.peers[s.next%len(s.peers)]
		s.next++

		if until, ok := s.failedUntil[peer.Address]; ok {
			if now.Before(until) {
				continue
			}
			delete(s.failedUntil, peer.Address)
		}

		return peer, nil
	}

	return eventsource.Peer{}, ErrNoAvailableEventSource
}

// MarkFailed puts the peer into the cooldown window so rotation skips it.
func (s *peerSelector) MarkFailed(peer eventsource.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failedUntil[peer.Address] = s.now().Add(s.cooldown)
}
