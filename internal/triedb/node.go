package triedb

import (
	"github.com/ethereum/go-ethereum/rlp"

	"foundry/internal/rlpcodec"
	"foundry/internal/types"
)

// node is the on-disk, content-addressed representation of one trie node.
// Keys are fixed at 32 bytes (64 nibbles), so the trie is a radix-16 tree
// of fixed depth: every node below the root is a branch with up to 16
// children, and Value is only ever populated on a node reached after all
// 64 nibbles have been consumed. Encoding a node (via rlpcodec, i.e. RLP)
// and hashing the result gives the node's address — copy-on-write: insert
// never mutates an existing node, it builds new nodes along the path and
// returns a new root (§4.1).
type node struct {
	Children [16]types.Hash
	Value    []byte
}

func encodeNode(n *node) ([]byte, error) {
	return rlp.EncodeToBytes(n)
}

func decodeNode(b []byte) (*node, error) {
	var n node
	if err := rlp.DecodeBytes(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func hashNode(n *node) (types.Hash, []byte, error) {
	b, err := encodeNode(n)
	if err != nil {
		return types.Hash{}, nil, err
	}
	return rlpcodec.Hash(b), b, nil
}

// keyToNibbles expands a 32-byte key into 64 nibbles, most significant
// nibble first.
func keyToNibbles(key [32]byte) []byte {
	nibbles := make([]byte, 64)
	for i, b := range key {
		nibbles[2*i] = b >> 4
		nibbles[2*i+1] = b & 0x0f
	}
	return nibbles
}
