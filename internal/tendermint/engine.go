package tendermint

import (
	"time"

	"foundry/internal/types"
)

// TimeoutConfig is the per-step base timeout and linear per-view delta
// (§4.6 "Timeouts"): timeout(view) = Base + Delta*view.
type TimeoutConfig struct {
	Base  time.Duration
	Delta time.Duration
}

func (c TimeoutConfig) Timeout(view uint64) time.Duration {
	return c.Base + c.Delta*time.Duration(view)
}

// LockedValue is the block a validator has precommitted to and must keep
// proposing/prevoting until it sees a conflicting quorum (§4.6 "Timeouts",
// "preserving any locked value").
type LockedValue struct {
	View      uint64
	BlockHash types.Hash
}

// Engine drives one height's view/step progression. It holds no network or
// timer dependency directly (§5: "each actor runs in its own loop"); a host
// loop feeds it votes and timeout events and reads back what to do next.
type Engine struct {
	Height     types.BlockNumber
	View       uint64
	Step       types.Step
	Validators types.ValidatorSet
	Signer     Signer
	Timeouts   TimeoutConfig

	locked *LockedValue

	prevotes   map[uint64]*VoteSet
	precommits map[uint64]*VoteSet
}

// NewEngine starts a fresh height at view 0, step Propose.
func NewEngine(height types.BlockNumber, validators types.ValidatorSet, timeouts TimeoutConfig) *Engine {
	return &Engine{
		Height:     height,
		View:       0,
		Step:       types.StepPropose,
		Validators: validators,
		Timeouts:   timeouts,
		prevotes:   make(map[uint64]*VoteSet),
		precommits: make(map[uint64]*VoteSet),
	}
}

// SetSigner installs the local validator identity used to produce votes
// (§5 event list "SetSigner").
func (e *Engine) SetSigner(s Signer) { e.Signer = s }

// Proposer returns the validator index expected to propose at the engine's
// current view.
func (e *Engine) Proposer(nominatedAt func(types.PublicKey) (block, tx uint64)) int {
	return SelectProposer(e.Validators, e.View, nominatedAt)
}

func (e *Engine) voteSet(step types.Step, view uint64) *VoteSet {
	byView := e.prevotes
	if step == types.StepPrecommit {
		byView = e.precommits
	}
	vs, ok := byView[view]
	if !ok {
		vs = NewVoteSet(types.VoteStep{Height: e.Height, View: view, Step: step}, e.Validators)
		byView[view] = vs
	}
	return vs
}

// ReceivePrevote folds an incoming prevote into the vote set of the vote's
// own view. Returns the quorum block hash (nil for a nil-quorum) once one exists.
func (e *Engine) ReceivePrevote(v types.Vote) (*types.Hash, bool, error) {
	vs := e.voteSet(types.StepPrevote, v.Step.View)
	if err := vs.Add(v); err != nil {
		return nil, false, err
	}
	hash, ok := vs.QuorumBlockHash()
	return hash, ok, nil
}

// ReceivePrecommit folds an incoming precommit into the vote set of the
// vote's own view, locking the engine onto the winning block hash once quorum forms.
func (e *Engine) ReceivePrecommit(v types.Vote) (*types.Hash, bool, error) {
	vs := e.voteSet(types.StepPrecommit, v.Step.View)
	if err := vs.Add(v); err != nil {
		return nil, false, err
	}
	hash, ok := vs.QuorumBlockHash()
	if ok && hash != nil {
		e.locked = &LockedValue{View: v.Step.View, BlockHash: *hash}
	}
	return hash, ok, nil
}

// Locked reports the value, if any, this engine must keep proposing.
func (e *Engine) Locked() *LockedValue { return e.locked }

// Seal assembles the commit seal from the precommit quorum recorded for
// view against blockHash (§4.6 "Seal"); the caller only invokes this after
// ReceivePrecommit reports quorum for that exact hash.
func (e *Engine) Seal(view uint64, blockHash types.Hash) Seal {
	vs := e.voteSet(types.StepPrecommit, view)
	precommits := vs.Precommits(blockHash)
	return AssembleSeal(e.View, view, len(e.Validators.Validators), precommits)
}

// OnTimeout advances to the next view, preserving any locked value, per
// §4.6 "Timeouts": "on expiry, the engine advances to the next view while
// preserving any locked value."
func (e *Engine) OnTimeout() {
	e.View++
	e.Step = types.StepPropose
}

// AdvanceHeight resets the engine for the next block height, clearing vote
// history and any lock (a lock only ever spans a single height's views).
func (e *Engine) AdvanceHeight(height types.BlockNumber, validators types.ValidatorSet) {
	e.Height = height
	e.View = 0
	e.Step = types.StepPropose
	e.Validators = validators
	e.locked = nil
	e.prevotes = make(map[uint64]*VoteSet)
	e.precommits = make(map[uint64]*VoteSet)
}
