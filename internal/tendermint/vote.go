// Package tendermint implements C6 (§4.6): vote/seal/evidence verification,
// proposer selection, and the height/view/step state machine, grounded on
// the original's core/src/consensus/tendermint/engine.rs and the teacher's
// interface-seamed core/consensus.go adapter style.
package tendermint

import (
	"encoding/binary"

	"foundry/internal/cryptoutil"
	"foundry/internal/types"
)

// EncodeVoteMessage is the canonical encoding a vote's Ed25519 signature
// covers: (step, block_hash) per §4.6 "Vote verification" (b). This is a
// signing message, not a §3 wire value, so it does not need to satisfy the
// round-trip invariant rlpcodec's encoders do — only determinism.
func EncodeVoteMessage(step types.VoteStep, blockHash *types.Hash) []byte {
	buf := make([]byte, 0, 17+32)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], step.Height)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], step.View)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(step.Step))
	if blockHash != nil {
		buf = append(buf, 1)
		buf = append(buf, blockHash[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// VerifyVote checks a vote under validators (§4.6 "Vote verification"): the
// signer index must be in range, and the Ed25519 signature over the
// canonical vote message must verify against that validator's key.
func VerifyVote(validators types.ValidatorSet, v types.Vote) error {
	if int(v.SignerIndex) >= len(validators.Validators) {
		return types.NewError(types.ErrValidatorNotExist, nil)
	}
	signer := validators.Validators[v.SignerIndex]
	msg := EncodeVoteMessage(v.Step, v.BlockHash)
	if !cryptoutil.VerifyEd25519(signer.PublicKey[:], msg, v.Signature[:]) {
		return types.NewError(types.ErrMessageWithInvalidSignature, nil)
	}
	return nil
}

// VerifyEvidence re-checks both of an Evidence's votes and the equivocation
// shape §4.6 "Evidence / double-vote" requires: height > 0, matching signer
// index, matching (height, view, step), and distinct block hashes.
func VerifyEvidence(validators types.ValidatorSet, e types.Evidence) error {
	if e.Vote1.Step.Height == 0 {
		return types.NewError(types.ErrMalformedMessage, nil)
	}
	if e.Vote1.SignerIndex != e.Vote2.SignerIndex {
		return types.NewError(types.ErrMalformedMessage, nil)
	}
	if e.Vote1.Step != e.Vote2.Step {
		return types.NewError(types.ErrMalformedMessage, nil)
	}
	if sameBlockHash(e.Vote1.BlockHash, e.Vote2.BlockHash) {
		return types.NewError(types.ErrMalformedMessage, nil)
	}
	if err := VerifyVote(validators, e.Vote1); err != nil {
		return err
	}
	if err := VerifyVote(validators, e.Vote2); err != nil {
		return err
	}
	return nil
}

func sameBlockHash(a, b *types.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
