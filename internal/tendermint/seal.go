package tendermint

import (
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/rlp"

	"foundry/internal/cryptoutil"
	"foundry/internal/types"
)

// Seal is the four-element consensus seal of §6.3: prev_view, cur_view,
// the precommit signatures actually carried, and a bitset recording which
// validator index each signature belongs to.
type Seal struct {
	PrevView        uint64
	CurView         uint64
	Precommits      [][64]byte
	PrecommitBitset []byte
}

type sealSigs struct {
	Sigs [][]byte
}

// EncodeSeal renders s as the four opaque byte strings types.Header.Seal
// carries (§6.3 "bit-exact"): prev_view and cur_view as RLP-encoded
// unsigned integers (minimal big-endian, RLP's own canonical int rule),
// precommits as one RLP-encoded list element, and the bitset verbatim.
func EncodeSeal(s Seal) ([][]byte, error) {
	prevView, err := rlp.EncodeToBytes(s.PrevView)
	if err != nil {
		return nil, err
	}
	curView, err := rlp.EncodeToBytes(s.CurView)
	if err != nil {
		return nil, err
	}
	sigs := make([][]byte, len(s.Precommits))
	for i, sig := range s.Precommits {
		sigs[i] = sig[:]
	}
	precommits, err := rlp.EncodeToBytes(&sealSigs{Sigs: sigs})
	if err != nil {
		return nil, err
	}
	return [][]byte{prevView, curView, precommits, s.PrecommitBitset}, nil
}

// DecodeSeal reverses EncodeSeal, failing with BadSealFieldSize if fields
// is not exactly the four elements §6.3 specifies or any signature isn't
// 64 bytes.
func DecodeSeal(fields [][]byte) (Seal, error) {
	if len(fields) != 4 {
		return Seal{}, types.NewError(types.ErrBadSealFieldSize, fmt.Errorf("got %d seal fields, want 4", len(fields)))
	}
	var s Seal
	if err := rlp.DecodeBytes(fields[0], &s.PrevView); err != nil {
		return Seal{}, types.NewError(types.ErrBadSealFieldSize, err)
	}
	if err := rlp.DecodeBytes(fields[1], &s.CurView); err != nil {
		return Seal{}, types.NewError(types.ErrBadSealFieldSize, err)
	}
	var sigs sealSigs
	if err := rlp.DecodeBytes(fields[2], &sigs); err != nil {
		return Seal{}, types.NewError(types.ErrBadSealFieldSize, err)
	}
	s.Precommits = make([][64]byte, len(sigs.Sigs))
	for i, raw := range sigs.Sigs {
		if len(raw) != 64 {
			return Seal{}, types.NewError(types.ErrBadSealFieldSize, fmt.Errorf("precommit %d is %d bytes, want 64", i, len(raw)))
		}
		copy(s.Precommits[i][:], raw)
	}
	s.PrecommitBitset = fields[3]
	return s, nil
}

// VerifySeal checks a block's seal against the validator set that signed
// the parent height's commit (§4.6 "Seal"). Height 1's genesis-parented
// block carries no seal to verify. parentHash is the block hash the
// precommits must be over.
func VerifySeal(s Seal, height types.BlockNumber, parentHash types.Hash, validators types.ValidatorSet) error {
	if height <= 1 {
		return nil
	}
	n := len(validators.Validators)
	wantBitsetLen := (n + 7) / 8
	if len(s.PrecommitBitset) != wantBitsetLen {
		return types.NewError(types.ErrBadSealFieldSize, fmt.Errorf("bitset is %d bytes, want %d", len(s.PrecommitBitset), wantBitsetLen))
	}

	popcount := 0
	for _, b := range s.PrecommitBitset {
		popcount += bits.OnesCount8(b)
	}
	if popcount != len(s.Precommits) {
		return types.NewError(types.ErrInvalidSeal, fmt.Errorf("popcount(bitset)=%d != len(signatures)=%d", popcount, len(s.Precommits)))
	}

	step := types.VoteStep{Height: height - 1, View: s.PrevView, Step: types.StepPrecommit}
	msg := EncodeVoteMessage(step, &parentHash)

	var signedDelegation uint64
	sigIdx := 0
	for i := 0; i < n; i++ {
		if !bitSet(s.PrecommitBitset, i) {
			continue
		}
		if sigIdx >= len(s.Precommits) {
			return types.NewError(types.ErrInvalidSeal, fmt.Errorf("bitset references more signatures than provided"))
		}
		sig := s.Precommits[sigIdx]
		sigIdx++
		pub := validators.Validators[i].PublicKey
		if !cryptoutil.VerifyEd25519(pub[:], msg, sig[:]) {
			return types.NewError(types.ErrInvalidSeal, fmt.Errorf("precommit signature for validator %d does not verify", i))
		}
		signedDelegation += validators.Validators[i].DelegationWeight
	}

	total := validators.TotalDelegation()
	if signedDelegation*3 <= total*2 {
		return types.NewError(types.ErrInvalidSeal, fmt.Errorf("quorum not met: %d*3 <= %d*2", signedDelegation, total))
	}
	return nil
}

// AssembleSeal builds a Seal from a sparse map of validator index ->
// precommit signature, the shape the sealing queue collects votes into
// before proposing a commit (§4.6, §5 "consensus actor").
func AssembleSeal(prevView, curView uint64, n int, precommits map[int][64]byte) Seal {
	bitsetLen := (n + 7) / 8
	bitset := make([]byte, bitsetLen)
	var sigs [][64]byte
	for i := 0; i < n; i++ {
		sig, ok := precommits[i]
		if !ok {
			continue
		}
		bitset = setBit(bitset, i)
		sigs = append(sigs, sig)
	}
	return Seal{PrevView: prevView, CurView: curView, Precommits: sigs, PrecommitBitset: bitset}
}

func bitSet(bitset []byte, i int) bool {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8) // big-endian bit vector per §6.3
	if byteIdx >= len(bitset) {
		return false
	}
	return bitset[byteIdx]&(1<<bitIdx) != 0
}

// setBit mutates bitset in place, growing it if needed, for callers
// assembling a seal from a collected set of precommits.
func setBit(bitset []byte, i int) []byte {
	byteIdx := i / 8
	for len(bitset) <= byteIdx {
		bitset = append(bitset, 0)
	}
	bitIdx := 7 - uint(i%8)
	bitset[byteIdx] |= 1 << bitIdx
	return bitset
}
