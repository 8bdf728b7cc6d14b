package eventsource

import "context"

// DeliverKind selects how much of each block a subscription carries.
type DeliverKind int

const (
	// Filtered delivers block metadata and transaction validation codes
	// only. This is the realtime default.
	Filtered DeliverKind = iota

	// Full delivers complete block payloads.
	Full

	// FullWithPrivateData delivers complete blocks augmented with private
	// data collections the caller is authorized to read.
	FullWithPrivateData
)

// String returns the wire name of the deliver kind.
func (k DeliverKind) String() string {
	switch k {
	case Full:
		return "full"
	case FullWithPrivateData:
		return "private"
	default:
		return "filtered"
	}
}

// DeliverRequest describes a block subscription. A nil StartBlock means
// "from now"; a nil EndBlock means the stream never ends on its own.
type DeliverRequest struct {
	Kind       DeliverKind
	StartBlock *uint64
	EndBlock   *uint64
}

// Delivery is one open block stream on a connection.
type Delivery interface {
	// Events returns the stream of block events, in peer emission order.
	// The channel is closed when the delivery ends for any reason.
	Events() <-chan BlockEvent

	// Done yields the terminal error of the stream: a transport failure,
	// a peer-initiated shutdown, or nil when the requested range was
	// fully delivered.
	Done() <-chan error

	// Stop tears the stream down. Safe to call more than once.
	Stop()
}

// Conn is an established session with one peer.
type Conn interface {
	// Deliver opens a block stream matching the request.
	Deliver(ctx context.Context, req DeliverRequest) (Delivery, error)

	// Close ends the session and every delivery opened on it.
	Close() error
}

// Transport is the wire layer this subsystem consumes. Implementations own
// dialing, TLS, and block decoding; the subsystem only sees typed events.
type Transport interface {
	// Connect establishes a session with the given peer.
	Connect(ctx context.Context, peer Peer) (Conn, error)
}
