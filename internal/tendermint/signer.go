package tendermint

import (
	"crypto/ed25519"

	"foundry/internal/cryptoutil"
	"foundry/internal/types"
)

// Signer produces vote signatures on behalf of one validator identity.
// Engines are handed a Signer via SetSigner (§5 "consensus actor" event
// list); a node with no local validator key never sets one and only ever
// verifies, never proposes or votes.
type Signer interface {
	PublicKey() types.PublicKey
	Sign(msg []byte) []byte
}

// StaticSigner wraps one fixed Ed25519 keypair, the engine-signer shape a
// single-node or test deployment uses: deterministic, no key rotation.
type StaticSigner struct {
	pub  types.PublicKey
	priv ed25519.PrivateKey
}

func NewStaticSigner(priv ed25519.PrivateKey) *StaticSigner {
	pub := priv.Public().(ed25519.PublicKey)
	var p types.PublicKey
	copy(p[:], pub)
	return &StaticSigner{pub: p, priv: priv}
}

func (s *StaticSigner) PublicKey() types.PublicKey { return s.pub }

func (s *StaticSigner) Sign(msg []byte) []byte {
	return cryptoutil.SignEd25519(s.priv, msg)
}

// SignVote produces a fully-formed Vote for step/blockHash from signer,
// looking up its index in validators (§4.6, a vote always carries the
// voter's validator-set index, not its raw public key).
func SignVote(signer Signer, validators types.ValidatorSet, step types.VoteStep, blockHash *types.Hash) (types.Vote, error) {
	idx := validators.IndexOf(signer.PublicKey())
	if idx < 0 {
		return types.Vote{}, types.NewError(types.ErrValidatorNotExist, nil)
	}
	msg := EncodeVoteMessage(step, blockHash)
	sig := signer.Sign(msg)
	v := types.Vote{Step: step, BlockHash: blockHash, SignerIndex: uint32(idx)}
	copy(v.Signature[:], sig)
	return v, nil
}
