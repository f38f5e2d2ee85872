package types

import "sort"

// Validator is the illustrative per-validator record from §3.6. The set is
// kept sorted by public key for canonical hashing (NextValidatorSetHash).
type Validator struct {
	PublicKey        PublicKey
	DelegationWeight uint64
	Deposit          uint64
	Tiebreaker       uint64
	Weight           uint64
}

// Candidate is a validator-in-waiting (§3.6).
type Candidate struct {
	PublicKey        PublicKey
	Deposit          uint64
	NominationEndsAt BlockNumber
	Metadata         []byte
	Tiebreaker       uint64
}

// JailEntry records a validator in custody (§3.6): CustodyUntil <= ReleasedAt.
type JailEntry struct {
	PublicKey    PublicKey
	Deposit      uint64
	CustodyUntil BlockNumber
	ReleasedAt   BlockNumber
}

// ValidatorSet is a sorted, canonically hashable collection of validators.
type ValidatorSet struct {
	Validators []Validator
}

// SortedCopy returns a copy of vs sorted by public key, the canonical order
// used before hashing or proposer selection.
func (vs ValidatorSet) SortedCopy() ValidatorSet {
	out := make([]Validator, len(vs.Validators))
	copy(out, vs.Validators)
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublicKey.Less(out[j].PublicKey)
	})
	return ValidatorSet{Validators: out}
}

// TotalDelegation sums every validator's delegation weight, the denominator
// for the seal's two-thirds quorum check (§4.6, §8 "Seal quorum").
func (vs ValidatorSet) TotalDelegation() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += v.DelegationWeight
	}
	return total
}

// IndexOf returns the index of pub in the set, or -1.
func (vs ValidatorSet) IndexOf(pub PublicKey) int {
	for i, v := range vs.Validators {
		if v.PublicKey == pub {
			return i
		}
	}
	return -1
}

// ProposerOrder returns indices into vs.Validators ordered by the proposer
// selection key from §4.6: (-weight, -deposit, nominated-at-block,
// nominated-at-tx). nominatedAt supplies the last two tiebreakers per
// validator, since ValidatorSet itself doesn't carry nomination order.
func (vs ValidatorSet) ProposerOrder(nominatedAt func(PublicKey) (block uint64, tx uint64)) []int {
	idx := make([]int, len(vs.Validators))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := vs.Validators[idx[a]], vs.Validators[idx[b]]
		if va.Weight != vb.Weight {
			return va.Weight > vb.Weight
		}
		if va.Deposit != vb.Deposit {
			return va.Deposit > vb.Deposit
		}
		ba, ta := nominatedAt(va.PublicKey)
		bb, tb := nominatedAt(vb.PublicKey)
		if ba != bb {
			return ba < bb
		}
		return ta < tb
	})
	return idx
}

// Delegation maps a delegator to their per-delegatee stakes (§3.6).
type Delegation struct {
	Delegator PublicKey
	Stakes    map[PublicKey]uint64
}

// Total returns the delegator's total delegated stake, bounded by their
// balance elsewhere in the owning module.
func (d Delegation) Total() uint64 {
	var total uint64
	for _, v := range d.Stakes {
		total += v
	}
	return total
}
