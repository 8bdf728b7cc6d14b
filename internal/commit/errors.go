package commit

import (
	"fmt"
	"strings"

	"github.com/gabapcia/commitstream/internal/eventsource"
)

// InvalidTransactionError reports that a peer observed the transaction with
// a non-valid validation code. It is terminal for the handler regardless of
// the quorum rule.
type InvalidTransactionError struct {
	TransactionID string
	Peer          eventsource.Peer
	Code          eventsource.TxValidationCode
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("transaction %s invalidated with code %d by peer %s",
		e.TransactionID, e.Code, e.Peer.Address)
}

// TimeoutError reports that the quorum was not met before the deadline. It
// enumerates the targeted peers that never responded.
type TimeoutError struct {
	TransactionID    string
	UnrespondedPeers []eventsource.Peer
}

func (e *TimeoutError) Error() string {
	addresses := make([]string, len(e.UnrespondedPeers))
	for i, peer := range e.UnrespondedPeers {
		addresses[i] = peer.Address
	}

	return fmt.Sprintf("timed out waiting for commit of transaction %s; no response from peers: %s",
		e.TransactionID, strings.Join(addresses, ", "))
}
