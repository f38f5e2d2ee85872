package types

// Header carries everything §3.2 names. Seal is engine-defined: the core
// treats it as an opaque sequence of byte strings whose arity and meaning
// belong to the consensus engine (§6.3 fixes the Tendermint encoding).
type Header struct {
	ParentHash          Hash
	Number              BlockNumber
	Timestamp           Timestamp
	Author              PublicKey
	Extra               []byte
	StateRoot           StateRoot
	TransactionsRoot    Hash
	EvidencesRoot       Hash
	NextValidatorSetHash Hash
	Seal                [][]byte
}

// Hash returns the content hash of the header, a sha256 over the raw bytes
// of every field except Seal in a fixed order (hashHeaderFields), not over
// the canonical RLP encoding: the seal authenticates the header, it is not
// part of what it authenticates.
func (h *Header) Hash() Hash {
	return hashHeaderFields(h)
}

// Block is (Header, evidences, transactions) per §3.2.
type Block struct {
	Header       Header
	Evidences    []Evidence
	Transactions []Transaction
}

// PreHeader is handed to the coordinator's Open step (§4.4.1): the header
// fields known before execution, i.e. everything but the post-execution
// roots and the seal.
type PreHeader struct {
	ParentHash          Hash
	Number              BlockNumber
	Timestamp           Timestamp
	Author              PublicKey
	Extra               []byte
	LastCommittedValidators []Validator
}

// Evidence is a verifiable record of a validator's equivocation (§4.6,
// "Evidence / double-vote"): two signed votes sharing (height, view, step,
// signer_index) but carrying distinct block hashes.
type Evidence struct {
	Vote1 Vote
	Vote2 Vote
}

// Step names the four-step Tendermint cycle (§4.6).
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// VoteStep is (height, view, step), the unit a vote is signed over together
// with an optional block hash (§4.6).
type VoteStep struct {
	Height BlockNumber
	View   uint64
	Step   Step
}

// Vote is a single signed consensus message.
type Vote struct {
	Step        VoteStep
	BlockHash   *Hash // nil for a nil-vote
	SignerIndex uint32
	Signature   [64]byte
}
