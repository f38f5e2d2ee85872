package tendermint

import (
	"testing"

	"foundry/internal/cryptoutil"
	"foundry/internal/types"
)

type testValidator struct {
	signer Signer
	weight uint64
}

func buildValidators(t *testing.T, weights []uint64) ([]testValidator, types.ValidatorSet) {
	t.Helper()
	var tvs []testValidator
	var vs types.ValidatorSet
	for _, w := range weights {
		pub, priv, err := cryptoutil.GenerateEd25519()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		signer := NewStaticSigner(priv)
		var p types.PublicKey
		copy(p[:], pub)
		tvs = append(tvs, testValidator{signer: signer})
		vs.Validators = append(vs.Validators, types.Validator{PublicKey: p, DelegationWeight: w, Weight: w})
	}
	return tvs, vs
}

func TestVoteSignAndVerifyRoundTrip(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{10, 10, 10})
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrevote}
	hash := types.Hash{7}
	vote, err := SignVote(tvs[1].signer, vs, step, &hash)
	if err != nil {
		t.Fatalf("sign vote: %v", err)
	}
	if err := VerifyVote(vs, vote); err != nil {
		t.Fatalf("verify vote: %v", err)
	}
}

func TestVerifyVoteRejectsOutOfRangeSigner(t *testing.T) {
	_, vs := buildValidators(t, []uint64{10})
	v := types.Vote{Step: types.VoteStep{Height: 1, Step: types.StepPrevote}, SignerIndex: 5}
	err := VerifyVote(vs, v)
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrValidatorNotExist {
		t.Fatalf("expected ValidatorNotExist, got %v", err)
	}
}

func TestVerifyVoteRejectsBadSignature(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{10, 10})
	step := types.VoteStep{Height: 1, Step: types.StepPrevote}
	hash := types.Hash{1}
	v, err := SignVote(tvs[0].signer, vs, step, &hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v.Signature[0] ^= 0xff
	err = VerifyVote(vs, v)
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrMessageWithInvalidSignature {
		t.Fatalf("expected MessageWithInvalidSignature, got %v", err)
	}
}

func TestSealEncodeDecodeRoundTrip(t *testing.T) {
	s := Seal{
		PrevView:        3,
		CurView:         4,
		Precommits:      [][64]byte{{1, 2, 3}, {4, 5, 6}},
		PrecommitBitset: []byte{0b10100000},
	}
	fields, err := EncodeSeal(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 seal fields, got %d", len(fields))
	}
	decoded, err := DecodeSeal(fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.PrevView != s.PrevView || decoded.CurView != s.CurView {
		t.Fatalf("view mismatch: %+v vs %+v", decoded, s)
	}
	if len(decoded.Precommits) != 2 || decoded.Precommits[0] != s.Precommits[0] {
		t.Fatalf("precommits mismatch: %+v", decoded.Precommits)
	}
}

func TestDecodeSealRejectsWrongArity(t *testing.T) {
	_, err := DecodeSeal([][]byte{{1}, {2}})
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrBadSealFieldSize {
		t.Fatalf("expected BadSealFieldSize, got %v", err)
	}
}

func TestVerifySealQuorumPassesAboveTwoThirds(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{1, 1, 1, 1})
	parentHash := types.Hash{9}
	step := types.VoteStep{Height: 4, View: 0, Step: types.StepPrecommit}
	precommits := map[int][64]byte{}
	for i := 0; i < 3; i++ {
		v, err := SignVote(tvs[i].signer, vs, step, &parentHash)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		precommits[i] = v.Signature
	}
	seal := AssembleSeal(0, 0, len(vs.Validators), precommits)
	if err := VerifySeal(seal, 5, parentHash, vs); err != nil {
		t.Fatalf("expected seal to verify with 3/4 weight, got %v", err)
	}
}

func TestVerifySealFailsBelowQuorum(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{1, 1, 1})
	parentHash := types.Hash{9}
	step := types.VoteStep{Height: 4, View: 0, Step: types.StepPrecommit}
	v, err := SignVote(tvs[0].signer, vs, step, &parentHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	seal := AssembleSeal(0, 0, len(vs.Validators), map[int][64]byte{0: v.Signature})
	err = VerifySeal(seal, 5, parentHash, vs)
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrInvalidSeal {
		t.Fatalf("expected InvalidSeal, got %v", err)
	}
}

func TestVerifySealSkipsGenesisHeight(t *testing.T) {
	_, vs := buildValidators(t, []uint64{1})
	if err := VerifySeal(Seal{}, 1, types.Hash{}, vs); err != nil {
		t.Fatalf("height 1 should skip seal verification, got %v", err)
	}
}

func TestVerifyEvidenceDetectsDoubleVote(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{1, 1})
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrecommit}
	h1, h2 := types.Hash{1}, types.Hash{2}
	v1, err := SignVote(tvs[0].signer, vs, step, &h1)
	if err != nil {
		t.Fatalf("sign v1: %v", err)
	}
	v2, err := SignVote(tvs[0].signer, vs, step, &h2)
	if err != nil {
		t.Fatalf("sign v2: %v", err)
	}
	if err := VerifyEvidence(vs, types.Evidence{Vote1: v1, Vote2: v2}); err != nil {
		t.Fatalf("expected valid evidence, got %v", err)
	}
}

func TestVerifyEvidenceRejectsSameBlockHash(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{1})
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrecommit}
	h := types.Hash{1}
	v1, err := SignVote(tvs[0].signer, vs, step, &h)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v2 := v1
	err = VerifyEvidence(vs, types.Evidence{Vote1: v1, Vote2: v2})
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrMalformedMessage {
		t.Fatalf("expected MalformedMessage, got %v", err)
	}
}

func TestCanChangeCanonChainOneReorg(t *testing.T) {
	best := types.Hash{1}
	parent := types.Hash{1}
	grandparent := types.Hash{9}
	if !CanChangeCanonChain(parent, grandparent, best) {
		t.Fatalf("expected parent match to permit reorg")
	}
	parent = types.Hash{9}
	grandparent = types.Hash{1}
	if !CanChangeCanonChain(parent, grandparent, best) {
		t.Fatalf("expected grandparent match to permit one-block reorg")
	}
	parent = types.Hash{8}
	grandparent = types.Hash{9}
	if CanChangeCanonChain(parent, grandparent, best) {
		t.Fatalf("expected two-block-deep parent/grandparent mismatch to be refused")
	}
}

func TestEngineLocksOnPrecommitQuorum(t *testing.T) {
	tvs, vs := buildValidators(t, []uint64{1, 1, 1})
	e := NewEngine(5, vs, TimeoutConfig{})
	hash := types.Hash{3}
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrecommit}
	for i := 0; i < 3; i++ {
		v, err := SignVote(tvs[i].signer, vs, step, &hash)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		quorumHash, ok, err := e.ReceivePrecommit(v)
		if err != nil {
			t.Fatalf("receive precommit: %v", err)
		}
		if i == 2 {
			if !ok || quorumHash == nil || *quorumHash != hash {
				t.Fatalf("expected quorum on third precommit")
			}
		}
	}
	locked := e.Locked()
	if locked == nil || locked.BlockHash != hash {
		t.Fatalf("expected engine to lock onto quorum hash")
	}
}

func TestEngineOnTimeoutAdvancesViewPreservingLock(t *testing.T) {
	_, vs := buildValidators(t, []uint64{1})
	e := NewEngine(1, vs, TimeoutConfig{})
	e.locked = &LockedValue{View: 0, BlockHash: types.Hash{1}}
	e.OnTimeout()
	if e.View != 1 {
		t.Fatalf("expected view to advance to 1, got %d", e.View)
	}
	if e.Step != types.StepPropose {
		t.Fatalf("expected step reset to Propose, got %v", e.Step)
	}
	if e.Locked() == nil {
		t.Fatalf("expected locked value to survive timeout")
	}
}
