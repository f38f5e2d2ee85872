// Package rlpcodec is the one canonical encoder/decoder shared by every
// Foundry component that needs to hash or persist a §3 data-model value.
// spec.md §6.4 requires only determinism and round-trip stability and names
// RLP as one acceptable implementation; this package builds on
// go-ethereum's rlp package, already present in the teacher's dependency
// graph, rather than hand-rolling a wire format.
package rlpcodec

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/rlp"

	"foundry/internal/types"
)

// Hash is the content hash used throughout the core: sha256 over the
// canonical encoding. The core treats hashing as a black box (§1); sha256
// is the concrete choice, swappable without touching call sites because
// every caller goes through this function.
func Hash(b []byte) types.Hash {
	return sha256.Sum256(b)
}

type txWire struct {
	TxType string
	Body   []byte
}

// EncodeTransaction produces the canonical encoding of an outer transaction
// (§3.3): decode(encode(v)) == v and hash(encode(decode(b))) == hash(b).
func EncodeTransaction(tx *types.Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(&txWire{TxType: tx.TxType, Body: tx.Body})
}

// DecodeTransaction reverses EncodeTransaction.
func DecodeTransaction(b []byte) (types.Transaction, error) {
	var w txWire
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return types.Transaction{}, err
	}
	return types.Transaction{TxType: w.TxType, Body: w.Body}, nil
}

// TxHash implements the §3.3 invariant hash(tx) = hash(canonical_encode(tx_type, body)).
func TxHash(tx *types.Transaction) (types.Hash, error) {
	b, err := EncodeTransaction(tx)
	if err != nil {
		return types.Hash{}, err
	}
	return Hash(b), nil
}

type evidenceWire struct {
	Step1, Step2               uint64 // VoteStep packed (height<<16|view<<8|step)
	Signer1, Signer2           uint32
	BlockHash1, BlockHash2     []byte
	Sig1, Sig2                 []byte
}

func packStep(s types.VoteStep) uint64 {
	return s.Height<<16 | (s.View&0xff)<<8 | uint64(s.Step)
}

// EncodeEvidence is the canonical encoding used for the evidences root and
// for persisting evidences inside a block body.
func EncodeEvidence(e *types.Evidence) ([]byte, error) {
	w := evidenceWire{
		Step1:   packStep(e.Vote1.Step),
		Step2:   packStep(e.Vote2.Step),
		Signer1: e.Vote1.SignerIndex,
		Signer2: e.Vote2.SignerIndex,
		Sig1:    e.Vote1.Signature[:],
		Sig2:    e.Vote2.Signature[:],
	}
	if e.Vote1.BlockHash != nil {
		w.BlockHash1 = e.Vote1.BlockHash[:]
	}
	if e.Vote2.BlockHash != nil {
		w.BlockHash2 = e.Vote2.BlockHash[:]
	}
	return rlp.EncodeToBytes(&w)
}

// emptyRoot is the root of an empty leaf list, the BLAKE_NULL_RLP analogue
// from the original implementation's skewed_merkle_root(empty, ...): the
// hash of the canonical encoding of an empty byte string.
var emptyRoot = Hash(mustEncodeBytes(nil))

func mustEncodeBytes(b []byte) []byte {
	out, err := rlp.EncodeToBytes(b)
	if err != nil {
		panic(err)
	}
	return out
}

// SkewedMerkleRoot folds a list of already-encoded leaves into a single
// root using a right-skewed (linked-list-shaped) tree: each step hashes the
// running root together with the next leaf's hash. This mirrors the
// original's incremental, append-friendly skewed_merkle_root rather than a
// balanced binary tree, and is used identically for both the transactions
// root and the evidences root (§3.2).
func SkewedMerkleRoot(leaves [][]byte) types.Hash {
	root := emptyRoot
	for _, leaf := range leaves {
		leafHash := Hash(leaf)
		combined := make([]byte, 0, 64)
		combined = append(combined, root[:]...)
		combined = append(combined, leafHash[:]...)
		root = Hash(combined)
	}
	return root
}

// TransactionsRoot computes the §3.2 transactions root over a block's
// transaction list.
func TransactionsRoot(txs []types.Transaction) (types.Hash, error) {
	leaves := make([][]byte, len(txs))
	for i := range txs {
		b, err := EncodeTransaction(&txs[i])
		if err != nil {
			return types.Hash{}, err
		}
		leaves[i] = b
	}
	return SkewedMerkleRoot(leaves), nil
}

// EvidencesRoot computes the §3.2 evidences root over a block's evidence list.
func EvidencesRoot(evs []types.Evidence) (types.Hash, error) {
	leaves := make([][]byte, len(evs))
	for i := range evs {
		b, err := EncodeEvidence(&evs[i])
		if err != nil {
			return types.Hash{}, err
		}
		leaves[i] = b
	}
	return SkewedMerkleRoot(leaves), nil
}

type validatorWire struct {
	PublicKey        []byte
	DelegationWeight uint64
	Deposit          uint64
	Tiebreaker       uint64
	Weight           uint64
}

// ValidatorSetHash computes the §3.2 `NextValidatorSetHash` a header commits
// to: the sorted set RLP-encoded and hashed, so two sets containing the same
// validators hash identically regardless of construction order.
func ValidatorSetHash(vs types.ValidatorSet) (types.Hash, error) {
	sorted := vs.SortedCopy()
	wire := make([]validatorWire, len(sorted.Validators))
	for i, v := range sorted.Validators {
		wire[i] = validatorWire{
			PublicKey:        v.PublicKey[:],
			DelegationWeight: v.DelegationWeight,
			Deposit:          v.Deposit,
			Tiebreaker:       v.Tiebreaker,
			Weight:           v.Weight,
		}
	}
	b, err := rlp.EncodeToBytes(wire)
	if err != nil {
		return types.Hash{}, err
	}
	return Hash(b), nil
}

type headerWire struct {
	ParentHash           []byte
	Number               types.BlockNumber
	Timestamp            types.Timestamp
	Author               []byte
	Extra                []byte
	StateRoot            []byte
	TransactionsRoot     []byte
	EvidencesRoot        []byte
	NextValidatorSetHash []byte
	Seal                 [][]byte
}

// EncodeHeader is the §6.5 HEADERS-column encoding, keyed by block hash by
// the caller. Unlike hashHeaderFields (which deliberately excludes Seal so
// the seal can authenticate the rest), this carries every field so a stored
// header round-trips exactly.
func EncodeHeader(h *types.Header) ([]byte, error) {
	w := headerWire{
		ParentHash:           h.ParentHash[:],
		Number:               h.Number,
		Timestamp:            h.Timestamp,
		Author:               h.Author[:],
		Extra:                h.Extra,
		StateRoot:            h.StateRoot[:],
		TransactionsRoot:     h.TransactionsRoot[:],
		EvidencesRoot:        h.EvidencesRoot[:],
		NextValidatorSetHash: h.NextValidatorSetHash[:],
		Seal:                 h.Seal,
	}
	return rlp.EncodeToBytes(&w)
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(b []byte) (types.Header, error) {
	var w headerWire
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return types.Header{}, err
	}
	var h types.Header
	copy(h.ParentHash[:], w.ParentHash)
	h.Number = w.Number
	h.Timestamp = w.Timestamp
	copy(h.Author[:], w.Author)
	h.Extra = w.Extra
	copy(h.StateRoot[:], w.StateRoot)
	copy(h.TransactionsRoot[:], w.TransactionsRoot)
	copy(h.EvidencesRoot[:], w.EvidencesRoot)
	copy(h.NextValidatorSetHash[:], w.NextValidatorSetHash)
	h.Seal = w.Seal
	return h, nil
}

type bodyWire struct {
	Transactions []txWire
	Evidences    []evidenceWire
}

// EncodeBody is the §6.5 BODIES-column encoding: a block's transactions and
// evidences, keyed by block hash by the caller (the header lives separately
// in HEADERS so header-only queries never pay for body decode).
func EncodeBody(txs []types.Transaction, evs []types.Evidence) ([]byte, error) {
	w := bodyWire{
		Transactions: make([]txWire, len(txs)),
		Evidences:    make([]evidenceWire, len(evs)),
	}
	for i := range txs {
		w.Transactions[i] = txWire{TxType: txs[i].TxType, Body: txs[i].Body}
	}
	for i := range evs {
		e := &evs[i]
		ew := evidenceWire{
			Step1:   packStep(e.Vote1.Step),
			Step2:   packStep(e.Vote2.Step),
			Signer1: e.Vote1.SignerIndex,
			Signer2: e.Vote2.SignerIndex,
			Sig1:    e.Vote1.Signature[:],
			Sig2:    e.Vote2.Signature[:],
		}
		if e.Vote1.BlockHash != nil {
			ew.BlockHash1 = e.Vote1.BlockHash[:]
		}
		if e.Vote2.BlockHash != nil {
			ew.BlockHash2 = e.Vote2.BlockHash[:]
		}
		w.Evidences[i] = ew
	}
	return rlp.EncodeToBytes(&w)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(b []byte) ([]types.Transaction, []types.Evidence, error) {
	var w bodyWire
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, nil, err
	}
	txs := make([]types.Transaction, len(w.Transactions))
	for i, t := range w.Transactions {
		txs[i] = types.Transaction{TxType: t.TxType, Body: t.Body}
	}
	evs := make([]types.Evidence, len(w.Evidences))
	for i, ew := range w.Evidences {
		var e types.Evidence
		e.Vote1.Step = unpackStep(ew.Step1)
		e.Vote2.Step = unpackStep(ew.Step2)
		e.Vote1.SignerIndex = ew.Signer1
		e.Vote2.SignerIndex = ew.Signer2
		copy(e.Vote1.Signature[:], ew.Sig1)
		copy(e.Vote2.Signature[:], ew.Sig2)
		if ew.BlockHash1 != nil {
			var h types.Hash
			copy(h[:], ew.BlockHash1)
			e.Vote1.BlockHash = &h
		}
		if ew.BlockHash2 != nil {
			var h types.Hash
			copy(h[:], ew.BlockHash2)
			e.Vote2.BlockHash = &h
		}
		evs[i] = e
	}
	return txs, evs, nil
}

func unpackStep(packed uint64) types.VoteStep {
	return types.VoteStep{
		Height: packed >> 16,
		View:   (packed >> 8) & 0xff,
		Step:   types.Step(packed & 0xff),
	}
}
