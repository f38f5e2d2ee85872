package state

import (
	"foundry/internal/triedb"
	"foundry/internal/types"
)

// SubState is one module's sub-storage view (§3.4): a checkpoint stack of
// writes layered over the sub-storage's last committed trie root. Keys
// inside a sub-storage are module-defined; the core treats them as opaque
// byte strings, hence the [32]byte key and []byte value here.
type SubState struct {
	id    types.StorageId
	db    *triedb.DB
	base  types.Hash
	stack *checkpointStack
}

func newSubState(id types.StorageId, db *triedb.DB, base types.Hash) *SubState {
	return &SubState{id: id, db: db, base: base, stack: newCheckpointStack()}
}

func (s *SubState) ID() types.StorageId { return s.id }

// Root returns the sub-storage's last-committed root (not reflecting
// uncommitted writes).
func (s *SubState) Root() types.Hash { return s.base }

func (s *SubState) Get(key [32]byte) ([]byte, bool, error) {
	if e, ok := s.stack.get(key); ok {
		return e.value, !e.deleted, nil
	}
	return s.db.Get(s.base, key)
}

func (s *SubState) Put(key [32]byte, value []byte) { s.stack.put(key, value) }

func (s *SubState) Delete(key [32]byte) { s.stack.del(key) }

func (s *SubState) createCheckpoint(id CheckpointID) { s.stack.create(id) }
func (s *SubState) discardCheckpoint(id CheckpointID) { s.stack.discard(id) }
func (s *SubState) revertToCheckpoint(id CheckpointID) { s.stack.revert(id) }

// commit flattens the base frame's writes into the trie, returning the new
// sub-storage root and the dirty node set to journal. The caller must have
// resolved every checkpoint first (§4.2 requires commit to only ever see a
// fully-unwound transaction stack).
func (s *SubState) commit(dirty map[types.Hash][]byte) (types.Hash, error) {
	if !s.stack.resolved() {
		panic("commit called with unresolved checkpoints on sub-storage")
	}
	root := s.base
	for _, k := range s.stack.sortedBaseKeys() {
		e := s.stack.frames[0].writes[k]
		var value []byte
		if !e.deleted {
			value = e.value
		}
		var err error
		root, err = s.db.Insert(root, k, value, dirty)
		if err != nil {
			return types.Hash{}, ensureStorageErr(s.id, err)
		}
	}
	s.base = root
	s.stack = newCheckpointStack()
	return root, nil
}
