package tendermint

import "foundry/internal/types"

// VoteSet accumulates the votes cast for one (height, view, step), tracking
// at most one vote per signer index (a later vote from the same index
// overwrites the earlier one; double-voting is caught separately via
// VerifyEvidence, not rejected here).
type VoteSet struct {
	Step       types.VoteStep
	Validators types.ValidatorSet
	byIndex    map[uint32]types.Vote
}

func NewVoteSet(step types.VoteStep, validators types.ValidatorSet) *VoteSet {
	return &VoteSet{Step: step, Validators: validators, byIndex: make(map[uint32]types.Vote)}
}

// Add records v, first verifying it against Validators. Returns an error if
// the vote doesn't belong to this VoteSet's (height, view, step) or fails
// verification.
func (vs *VoteSet) Add(v types.Vote) error {
	if v.Step != vs.Step {
		return types.NewError(types.ErrMalformedMessage, nil)
	}
	if err := VerifyVote(vs.Validators, v); err != nil {
		return err
	}
	vs.byIndex[v.SignerIndex] = v
	return nil
}

// delegationFor sums the delegation weight of every recorded vote matching
// predicate (used to separate per-block-hash tallies from the nil-vote tally).
func (vs *VoteSet) delegationFor(match func(v types.Vote) bool) uint64 {
	var total uint64
	for idx, v := range vs.byIndex {
		if int(idx) >= len(vs.Validators.Validators) {
			continue
		}
		if match(v) {
			total += vs.Validators.Validators[idx].DelegationWeight
		}
	}
	return total
}

// QuorumBlockHash returns the block hash with quorum support (§4.6 and §8
// "Seal quorum": Σdelegation(signed)*3 > Σdelegation(all)*2), or nil if no
// single block hash (including the nil-vote) has reached it yet.
func (vs *VoteSet) QuorumBlockHash() (*types.Hash, bool) {
	total := vs.Validators.TotalDelegation()
	tally := make(map[types.Hash]uint64)
	var nilTally uint64
	for idx, v := range vs.byIndex {
		if int(idx) >= len(vs.Validators.Validators) {
			continue
		}
		weight := vs.Validators.Validators[idx].DelegationWeight
		if v.BlockHash == nil {
			nilTally += weight
			continue
		}
		tally[*v.BlockHash] += weight
	}
	if nilTally*3 > total*2 {
		return nil, true
	}
	for h, w := range tally {
		if w*3 > total*2 {
			hh := h
			return &hh, true
		}
	}
	return nil, false
}

// Precommits returns every recorded vote for blockHash, keyed by signer
// index, ready for AssembleSeal.
func (vs *VoteSet) Precommits(blockHash types.Hash) map[int][64]byte {
	out := make(map[int][64]byte)
	for idx, v := range vs.byIndex {
		if v.BlockHash != nil && *v.BlockHash == blockHash {
			out[int(idx)] = v.Signature
		}
	}
	return out
}
