package tendermint

import "foundry/internal/types"

// CanChangeCanonChain implements §4.6 "Canonical chain rule" / §8 "One-reorg
// rule": a new header may replace the current best iff its parent is the
// previous best, or its grandparent is (the one-block reorg the commit
// step's two-phase nature requires).
func CanChangeCanonChain(parent, grandparent, prevBest types.Hash) bool {
	return parent == prevBest || grandparent == prevBest
}

// SelectProposer returns the index into validators.Validators of the
// proposer at (view), per §4.6 "Proposer selection": the validator at
// position (view mod N) in the canonical proposer order.
func SelectProposer(validators types.ValidatorSet, view uint64, nominatedAt func(types.PublicKey) (block, tx uint64)) int {
	order := validators.ProposerOrder(nominatedAt)
	if len(order) == 0 {
		return -1
	}
	return order[view%uint64(len(order))]
}
