package types

// Transaction is the outer transaction of §3.3: tx_type routes to the
// owning module, body is opaque to the core.
type Transaction struct {
	TxType string
	Body   []byte
}

// MetaTx is the metadata-wrapped transaction of §3.3 held by the mempool.
type MetaTx struct {
	Tx                 Transaction
	Origin             Origin
	InsertedBlockNumber BlockNumber
	InsertedTimestamp  Timestamp
	InsertionID        uint64
}

// EncodedSize is the cached/approximate encoded size used for the mempool's
// memory budget (§3.7, §4.5). Callers pass the real encoded length; this
// type alias exists purely for readability at call sites.
type EncodedSize = int

// Outcome is what execute_transaction produces on success (§4.4.2): a list
// of opaque events keyed later by tx hash, and anything module-specific the
// coordinator doesn't interpret.
type Outcome struct {
	Events [][]byte
}

// TxResult records whether a transaction (included in the block body
// regardless, per §4.4.2) succeeded or reverted.
type TxResult struct {
	Hash    TxHash
	Failed  bool
	Events  [][]byte
	ErrKind string // populated only when Failed
}
