package eventsource

// Peer identifies one node of the network. Address is the unique identity
// used to key cached sources; MSPID names the organization the peer belongs
// to and drives organization-scoped commit strategies.
type Peer struct {
	Address string // host:port endpoint, unique per peer
	MSPID   string // owning organization identifier
}

// TxValidationCode is the validation outcome a peer reports for a committed
// transaction. Zero is the only code that marks a transaction as valid;
// every other value is a terminal rejection.
type TxValidationCode int32

const (
	TxValid                    TxValidationCode = 0
	TxEndorsementPolicyFailure TxValidationCode = 10
	TxMVCCReadConflict         TxValidationCode = 11
	TxPhantomReadConflict      TxValidationCode = 12
	TxInvalidOtherReason       TxValidationCode = 255
)

// Valid reports whether the code marks the transaction as committed
// successfully.
func (c TxValidationCode) Valid() bool {
	return c == TxValid
}

// TransactionEvent is the per-transaction record carried inside a delivered
// block.
type TransactionEvent struct {
	ID     string           // transaction identifier
	Status TxValidationCode // validation outcome decided by the network
}

// BlockEvent is one ledger block as reported by a single peer. Blocks arrive
// in the order the peer emits them; no cross-peer ordering is implied.
type BlockEvent struct {
	Number       uint64             // block height
	Hash         string             // block hash
	Transactions []TransactionEvent // transactions in block order
}

// CommitEvent is the commit notification delivered to transaction-scoped
// listeners when a block containing the watched transaction arrives.
type CommitEvent struct {
	Peer          Peer             // peer that reported the commit
	TransactionID string           // watched transaction
	Status        TxValidationCode // validation outcome
	BlockNumber   uint64           // block the transaction landed in
}
