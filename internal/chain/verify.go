package chain

import (
	"foundry/internal/rlpcodec"
	"foundry/internal/tendermint"
	"foundry/internal/types"
)

// sealArity is the element count §6.3 fixes for a Tendermint seal:
// prev_view, cur_view, precommits, precommit_bitset.
const sealArity = 4

// VerifyBasic runs every check that doesn't depend on the engine or the
// parent's validator set (§4.7 "basic checks"): field ranges, seal arity,
// author well-formedness, transactions/evidences root match, body size.
func VerifyBasic(header types.Header, txs []types.Transaction, evs []types.Evidence, parent types.Header, params types.ChainParams) error {
	if header.Number != parent.Number+1 {
		return types.NewError(types.ErrUnknownParent, nil)
	}
	if header.Timestamp <= parent.Timestamp {
		return types.NewError(types.ErrInvalidTimestamp, nil)
	}
	if header.Author == (types.PublicKey{}) {
		return types.NewError(types.ErrBlockNotAuthorized, nil)
	}
	if len(header.Seal) != sealArity {
		return types.NewError(types.ErrBadSealFieldSize, nil)
	}
	txRoot, err := rlpcodec.TransactionsRoot(txs)
	if err != nil {
		return types.NewError(types.ErrInvalidTransactionsRoot, err)
	}
	if txRoot != header.TransactionsRoot {
		return types.NewError(types.ErrInvalidTransactionsRoot, nil)
	}
	evRoot, err := rlpcodec.EvidencesRoot(evs)
	if err != nil {
		return types.NewError(types.ErrInvalidTransactionsRoot, err)
	}
	if evRoot != header.EvidencesRoot {
		return types.NewError(types.ErrInvalidTransactionsRoot, nil)
	}
	body, err := rlpcodec.EncodeBody(txs, evs)
	if err != nil {
		return types.NewError(types.ErrBodySizeTooBig, err)
	}
	if params.MaxBodySize != 0 && uint64(len(body)) > params.MaxBodySize {
		return types.NewError(types.ErrBodySizeTooBig, nil)
	}
	return nil
}

// VerifySeal runs the §4.7 "seal checks" stage: decoding the header's opaque
// seal fields and delegating quorum verification to the engine against the
// parent's next-validator-set.
func VerifySeal(header types.Header, parentValidators types.ValidatorSet) error {
	seal, err := tendermint.DecodeSeal(header.Seal)
	if err != nil {
		return err
	}
	return tendermint.VerifySeal(seal, header.Number, header.ParentHash, parentValidators)
}

// txHash returns the transaction's TxHash, the sha256 of its canonical RLP
// encoding as computed by rlpcodec.TxHash. Kept nearby for tracker
// computation's sake.
func txHash(tx *types.Transaction) (types.Hash, error) {
	return rlpcodec.TxHash(tx)
}

// trackerOf computes the §GLOSSARY "Tracker": a content-derived identifier
// stable across encodings, keyed only on tx_type so resubmissions of a
// logically identical long-lived operation (same type, evolving body) index
// to the same tracker.
func trackerOf(tx *types.Transaction) types.Hash {
	return rlpcodec.Hash([]byte(tx.TxType))
}
