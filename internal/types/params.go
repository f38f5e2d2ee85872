package types

// ChainParams holds the chain-wide parameters a governance-style module
// updates over time (block gas/body limits, fee schedule, etc). The core
// treats its contents as opaque except for the Seq it's versioned under.
type ChainParams struct {
	MaxBodySize uint64
	Extra       map[string]string
}

// ConsensusParams holds the engine-level knobs the coordinator can update
// via a close-block action (§4.4.4): timeouts, validator-set size bounds.
type ConsensusParams struct {
	ProposeTimeoutMS   uint64
	PrevoteTimeoutMS   uint64
	PrecommitTimeoutMS uint64
	TimeoutDeltaMS     uint64
	MinValidators      uint32
	MaxValidators      uint32
}

// StorageDescriptor records what a registered sub-storage is for, kept in
// the top-level metadata for diagnostics and descriptor re-validation on
// restart.
type StorageDescriptor struct {
	ID   StorageId
	Name string
}

// Metadata is the §4.2 TopLevelState.metadata() return value.
type Metadata struct {
	Seq                       Seq
	ChainParams               ChainParams
	ConsensusParams           ConsensusParams
	TermID                    Term
	LastTermFinishedBlock     BlockNumber
	Storages                  []StorageDescriptor
	CurrentValidators         ValidatorSet
	NextValidators            ValidatorSet
}
