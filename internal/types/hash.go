package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// hashHeaderFields hashes every header field except Seal. This is the
// header's self-contained identity hash; the canonical wire encoding used
// for transactions/evidences roots and for gossip lives in internal/rlpcodec
// and must agree with decode(encode(x)) == x (§8, "Round-trip"), which this
// helper does not need to satisfy since nothing ever decodes a Hash back
// into a Header.
func hashHeaderFields(h *Header) Hash {
	hasher := sha256.New()
	hasher.Write(h.ParentHash[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Number)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], h.Timestamp)
	hasher.Write(buf[:])
	hasher.Write(h.Author[:])
	hasher.Write(h.Extra)
	hasher.Write(h.StateRoot[:])
	hasher.Write(h.TransactionsRoot[:])
	hasher.Write(h.EvidencesRoot[:])
	hasher.Write(h.NextValidatorSetHash[:])
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}
