package state

import (
	"encoding/json"
	"sort"

	"foundry/internal/triedb"
	"foundry/internal/types"
)

// reserved top-level keys, each a fixed 32-byte slot distinguishing the
// different kinds of data the top level holds (§3.4): metadata, and one
// module-root pointer per StorageId.
var metadataKey = fixedKey([]byte("foundry/metadata"))

func moduleRootKey(id types.StorageId) [32]byte {
	b := []byte{'m', 'o', 'd', 'u', 'l', 'e', '/', byte(id >> 8), byte(id)}
	return fixedKey(b)
}

func fixedKey(b []byte) [32]byte {
	var k [32]byte
	copy(k[:], b)
	return k
}

// TopLevelState is the C2 entry point: global metadata plus one SubState
// per registered module (§4.2).
type TopLevelState struct {
	db    *triedb.DB
	base  types.Hash
	stack *checkpointStack

	subs        map[types.StorageId]*SubState
	nextStorage types.StorageId
	meta        types.Metadata
}

// NewTopLevelState opens a TopLevelState at root (types.Hash{} for a fresh
// chain) with no registered sub-storages; CreateModule is called once per
// module during coordinator wiring (§4.3).
func NewTopLevelState(db *triedb.DB, root types.Hash) (*TopLevelState, error) {
	ts := &TopLevelState{
		db:    db,
		base:  root,
		stack: newCheckpointStack(),
		subs:  make(map[types.StorageId]*SubState),
	}
	if root.IsZero() {
		return ts, nil
	}
	raw, ok, err := db.Get(root, metadataKey)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &ts.meta); err != nil {
			return nil, err
		}
		for _, d := range ts.meta.Storages {
			subRaw, ok, err := db.Get(root, moduleRootKey(d.ID))
			if err != nil {
				return nil, err
			}
			var subRoot types.Hash
			if ok {
				copy(subRoot[:], subRaw)
			}
			ts.subs[d.ID] = newSubState(d.ID, db, subRoot)
			if d.ID >= ts.nextStorage {
				ts.nextStorage = d.ID + 1
			}
		}
	}
	return ts, nil
}

// Metadata returns the cached chain/consensus parameters (§4.2).
func (ts *TopLevelState) Metadata() types.Metadata { return ts.meta }

// ModuleState returns the sub-storage view for id. The same handle serves
// both read and write access; spec.md's module_state/module_state_mut
// distinction is a const-vs-mut split that Go's single mutable receiver
// already collapses.
func (ts *TopLevelState) ModuleState(id types.StorageId) (*SubState, bool) {
	s, ok := ts.subs[id]
	return s, ok
}

// CreateModule registers a new sub-storage whose initial root is the
// canonical empty-trie root (the zero hash, per §4.2).
func (ts *TopLevelState) CreateModule(name string) types.StorageId {
	id := ts.nextStorage
	ts.nextStorage++
	ts.subs[id] = newSubState(id, ts.db, types.Hash{})
	ts.meta.Storages = append(ts.meta.Storages, types.StorageDescriptor{ID: id, Name: name})
	ts.putMetadata()
	return id
}

// SetModuleRoot updates the top-level pointer for id after an out-of-band
// sub-storage commit (§4.2).
func (ts *TopLevelState) SetModuleRoot(id types.StorageId, root types.Hash) {
	sub, ok := ts.subs[id]
	if !ok {
		sub = newSubState(id, ts.db, root)
		ts.subs[id] = sub
	}
	sub.base = root
	ts.stack.put(moduleRootKey(id), root[:])
}

// UpdateParams fails with InvalidSeq unless seq equals the stored one; on
// success it increments Seq (§4.2).
func (ts *TopLevelState) UpdateParams(seq types.Seq, params types.ChainParams) error {
	if seq != ts.meta.Seq {
		return types.NewError(types.ErrInvalidSeq, nil)
	}
	ts.meta.ChainParams = params
	ts.meta.Seq++
	ts.putMetadata()
	return nil
}

// UpdateConsensusParams installs a new consensus-parameter set, used by the
// close-block action path (§4.4.4); unlike UpdateParams it carries no Seq
// guard because it is only ever driven by the engine itself, never by a
// user transaction racing another.
func (ts *TopLevelState) UpdateConsensusParams(p types.ConsensusParams) {
	ts.meta.ConsensusParams = p
	ts.putMetadata()
}

// SetValidators installs the current/next validator sets, typically from a
// close-block validator-set-update action (§4.4.4).
func (ts *TopLevelState) SetValidators(current, next types.ValidatorSet) {
	ts.meta.CurrentValidators = current.SortedCopy()
	ts.meta.NextValidators = next.SortedCopy()
	ts.putMetadata()
}

// AdvanceTerm bumps the term id and records the block at which it finished,
// mirroring the original's term-close system transaction.
func (ts *TopLevelState) AdvanceTerm(finishedAt types.BlockNumber) {
	ts.meta.TermID++
	ts.meta.LastTermFinishedBlock = finishedAt
	ts.putMetadata()
}

func (ts *TopLevelState) putMetadata() {
	b, err := json.Marshal(ts.meta)
	if err != nil {
		panic("metadata must always be json-encodable: " + err.Error())
	}
	ts.stack.put(metadataKey, b)
}

// CreateCheckpoint pushes id onto the top level's stack and propagates it
// to every sub-storage's stack atomically (§4.2): a transaction aborted in
// one sub-storage cannot leave partial writes in another.
func (ts *TopLevelState) CreateCheckpoint(id CheckpointID) {
	ts.stack.create(id)
	for _, sid := range ts.sortedSubIDs() {
		ts.subs[sid].createCheckpoint(id)
	}
}

// DiscardCheckpoint merges id's frame into its parent everywhere (§4.2).
func (ts *TopLevelState) DiscardCheckpoint(id CheckpointID) {
	ts.stack.discard(id)
	for _, sid := range ts.sortedSubIDs() {
		ts.subs[sid].discardCheckpoint(id)
	}
}

// RevertToCheckpoint restores every layer to its snapshot at id's creation
// (§4.2, §8 "Checkpoint soundness").
func (ts *TopLevelState) RevertToCheckpoint(id CheckpointID) {
	ts.stack.revert(id)
	for _, sid := range ts.sortedSubIDs() {
		ts.subs[sid].revertToCheckpoint(id)
	}
}

func (ts *TopLevelState) sortedSubIDs() []types.StorageId {
	ids := make([]types.StorageId, 0, len(ts.subs))
	for id := range ts.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Commit commits every dirty sub-storage (producing new sub-roots), writes
// those sub-roots into the top-level trie, commits the top-level trie, and
// returns the new top-level root (§4.2). era tags the journal flush so C1
// can prune superseded nodes by era.
func (ts *TopLevelState) Commit(era triedb.Era) (types.StateRoot, error) {
	if !ts.stack.resolved() {
		panic("Commit called with unresolved top-level checkpoints")
	}
	dirty := make(map[types.Hash][]byte)
	retained := make([]types.Hash, 0, len(ts.subs)+1)

	for _, id := range ts.sortedSubIDs() {
		sub := ts.subs[id]
		newRoot, err := sub.commit(dirty)
		if err != nil {
			return types.Hash{}, err
		}
		ts.stack.put(moduleRootKey(id), newRoot[:])
		retained = append(retained, newRoot)
	}

	root := ts.base
	for _, k := range ts.stack.sortedBaseKeys() {
		e := ts.stack.frames[0].writes[k]
		var value []byte
		if !e.deleted {
			value = e.value
		}
		var err error
		root, err = ts.db.Insert(root, k, value, dirty)
		if err != nil {
			return types.Hash{}, err
		}
	}
	retained = append(retained, root)

	if err := ts.db.JournalUnder(era, root, dirty, retained); err != nil {
		return types.Hash{}, err
	}

	ts.base = root
	ts.stack = newCheckpointStack()
	return root, nil
}
