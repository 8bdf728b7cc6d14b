// Package commit tracks the commit outcome of submitted transactions across
// a set of peers. A Strategy fixes which peers are consulted and what quorum
// of responses counts as success; a TransactionHandler runs that policy for
// one transaction with a deadline and a one-shot settlement.
package commit

import (
	"fmt"

	"github.com/gabapcia/commitstream/internal/eventsource"
)

// QuorumRule decides how many peer responses are needed before the commit is
// considered observed.
type QuorumRule int

const (
	// AllOf waits for a response, success or error, from every targeted
	// peer before declaring success.
	AllOf QuorumRule = iota

	// AnyOf declares success on the first response received.
	AnyOf
)

// String returns the rule name.
func (r QuorumRule) String() string {
	if r == AnyOf {
		return "any-of"
	}
	return "all-of"
}

// PeerScope selects which peers a strategy targets.
type PeerScope int

const (
	// NetworkScope targets every configured peer.
	NetworkScope PeerScope = iota

	// OrganizationScope targets only the peers of one MSP.
	OrganizationScope
)

// Strategy is an immutable commit policy: a quorum rule over a resolved
// target peer set. Strategies hold no per-transaction state; a fresh
// evaluator is derived for each handler.
type Strategy struct {
	rule  QuorumRule
	peers []eventsource.Peer
}

// NewStrategy resolves the target peer set from the configured network peers
// according to scope. OrganizationScope keeps only peers whose MSPID matches
// mspID and requires a non-empty mspID. An empty resolved set is legal: a
// handler built on it settles success immediately.
func NewStrategy(rule QuorumRule, scope PeerScope, networkPeers []eventsource.Peer, mspID string) (Strategy, error) {
	if rule != AllOf && rule != AnyOf {
		return Strategy{}, fmt.Errorf("%w: unknown quorum rule %d", eventsource.ErrInvalidConfiguration, rule)
	}

	switch scope {
	case NetworkScope:
		peers := make([]eventsource.Peer, len(networkPeers))
		copy(peers, networkPeers)
		return Strategy{rule: rule, peers: peers}, nil

	case OrganizationScope:
		if mspID == "" {
			return Strategy{}, fmt.Errorf("%w: organization scope requires an MSP ID", eventsource.ErrInvalidConfiguration)
		}

		peers := make([]eventsource.Peer, 0, len(networkPeers))
		for _, peer := range networkPeers {
			if peer.MSPID == mspID {
				peers = append(peers, peer)
			}
		}
		return Strategy{rule: rule, peers: peers}, nil

	default:
		return Strategy{}, fmt.Errorf("%w: unknown peer scope %d", eventsource.ErrInvalidConfiguration, scope)
	}
}

// Rule returns the quorum rule.
func (s Strategy) Rule() QuorumRule {
	return s.rule
}

// Peers returns a copy of the resolved target peer set.
func (s Strategy) Peers() []eventsource.Peer {
	peers := make([]eventsource.Peer, len(s.peers))
	copy(peers, s.peers)
	return peers
}

// StrategyFactory builds a fresh Strategy for each submitted transaction.
type StrategyFactory func() (Strategy, error)

// NewStrategyFactory fixes the rule, scope, and peer universe once and
// re-resolves the strategy per transaction.
func NewStrategyFactory(rule QuorumRule, scope PeerScope, networkPeers []eventsource.Peer, mspID string) StrategyFactory {
	return func() (Strategy, error) {
		return NewStrategy(rule, scope, networkPeers, mspID)
	}
}

// evaluator is the per-transaction quorum state. The closed rule set is
// dispatched by a switch rather than through polymorphic strategy objects.
type evaluator struct {
	rule      QuorumRule
	target    int
	responded int
}

func newEvaluator(s Strategy) *evaluator {
	return &evaluator{
		rule:   s.rule,
		target: len(s.peers),
	}
}

// observe records one peer response and invokes onSuccess when the quorum
// rule is satisfied. Events and errors both count as responses.
func (e *evaluator) observe(onSuccess func()) {
	e.responded++

	switch e.rule {
	case AnyOf:
		onSuccess()
	default: // AllOf
		if e.responded >= e.target {
			onSuccess()
		}
	}
}

// eventReceived feeds a valid commit event into the quorum evaluation.
func (e *evaluator) eventReceived(onSuccess func()) {
	e.observe(onSuccess)
}

// errorReceived feeds a peer error into the quorum evaluation. A peer that
// disconnects has still "responded" for quorum purposes.
func (e *evaluator) errorReceived(onSuccess func()) {
	e.observe(onSuccess)
}
