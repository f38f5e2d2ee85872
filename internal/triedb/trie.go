package triedb

import (
	"foundry/internal/types"
)

// DB is the public C1 entry point: get/put keyed by a root hash, with
// insert returning a freshly hashed new root and JournalUnder flushing
// dirty nodes under an era tag (§4.1).
type DB struct {
	store *Store
}

func NewDB(store *Store) *DB { return &DB{store: store} }

// Get descends from root following the key's nibble path. A root unknown
// to the store (and not the empty root) is InvalidStateRoot.
func (db *DB) Get(root types.Hash, key [32]byte) ([]byte, bool, error) {
	if root.IsZero() {
		return nil, false, nil
	}
	return db.get(root, keyToNibbles(key))
}

func (db *DB) get(nodeHash types.Hash, nibbles []byte) ([]byte, bool, error) {
	if nodeHash.IsZero() {
		return nil, false, nil
	}
	raw, ok, err := db.store.getRaw(nodeHash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, types.NewError(types.ErrInvalidStateRoot, nil)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	if len(nibbles) == 0 {
		return n.Value, len(n.Value) > 0, nil
	}
	return db.get(n.Children[nibbles[0]], nibbles[1:])
}

// Insert performs a copy-on-write update along key's 64-nibble path,
// staging every touched node in dirty so the caller can later JournalUnder
// it (§4.1, "writes never mutate existing nodes"), and returns the freshly
// hashed new root.
func (db *DB) Insert(oldRoot types.Hash, key [32]byte, value []byte, dirty map[types.Hash][]byte) (types.Hash, error) {
	return db.insert(oldRoot, keyToNibbles(key), value, dirty)
}

func (db *DB) stage(n *node, dirty map[types.Hash][]byte) (types.Hash, error) {
	h, raw, err := hashNode(n)
	if err != nil {
		return types.Hash{}, err
	}
	db.store.putDirty(h, raw, dirty)
	return h, nil
}

func (db *DB) insert(nodeHash types.Hash, nibbles []byte, value []byte, dirty map[types.Hash][]byte) (types.Hash, error) {
	var cur node
	if !nodeHash.IsZero() {
		raw, ok, err := db.store.getRaw(nodeHash)
		if err != nil {
			return types.Hash{}, err
		}
		if !ok {
			return types.Hash{}, types.NewError(types.ErrInvalidStateRoot, nil)
		}
		existing, err := decodeNode(raw)
		if err != nil {
			return types.Hash{}, err
		}
		cur = *existing
	}

	if len(nibbles) == 0 {
		cur.Value = value
		return db.stage(&cur, dirty)
	}

	childHash, err := db.insert(cur.Children[nibbles[0]], nibbles[1:], value, dirty)
	if err != nil {
		return types.Hash{}, err
	}
	cur.Children[nibbles[0]] = childHash
	return db.stage(&cur, dirty)
}

// JournalUnder flushes dirty nodes produced by Insert calls under era,
// pruning superseded nodes outside retainedRoots (§4.1). It is a thin
// passthrough so callers only ever depend on DB, never on Store directly.
func (db *DB) JournalUnder(era Era, root types.Hash, dirty map[types.Hash][]byte, retainedRoots []types.Hash) error {
	return db.store.JournalUnder(era, root, dirty, retainedRoots)
}

// View is a cheap read-only handle over the store at a fixed root, used to
// fork execution from a confirmed block (§4.1 "clone_at"). Because nodes
// are immutable and content-addressed, cloning is simply remembering a
// different root; no copy of the store itself is needed.
type View struct {
	db   *DB
	Root types.Hash
}

// CloneAt returns a View rooted at root.
func (db *DB) CloneAt(root types.Hash) *View {
	return &View{db: db, Root: root}
}

func (v *View) Get(key [32]byte) ([]byte, bool, error) {
	return v.db.Get(v.Root, key)
}
