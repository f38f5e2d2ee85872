package state

import (
	"path/filepath"
	"testing"

	"foundry/internal/kvstore"
	"foundry/internal/triedb"
	"foundry/internal/types"
)

func newTestTopLevel(t *testing.T) *TopLevelState {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	store, err := triedb.NewStore(kv, 1024, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db := triedb.NewDB(store)
	ts, err := NewTopLevelState(db, types.Hash{})
	if err != nil {
		t.Fatalf("new top level: %v", err)
	}
	return ts
}

func testKey(b byte) [32]byte {
	var k [32]byte
	k[31] = b
	return k
}

func TestCreateModuleAndCommitRoundTrip(t *testing.T) {
	ts := newTestTopLevel(t)
	id := ts.CreateModule("stake")

	sub, ok := ts.ModuleState(id)
	if !ok {
		t.Fatalf("module %d not registered", id)
	}
	sub.Put(testKey(1), []byte("v1"))

	root, err := ts.Commit(1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if root.IsZero() {
		t.Fatalf("commit produced zero root")
	}

	sub2, ok := ts.ModuleState(id)
	if !ok {
		t.Fatalf("module missing after commit")
	}
	v, ok, err := sub2.Get(testKey(1))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get after commit = %q, %v, %v", v, ok, err)
	}
}

func TestCheckpointPropagatesAcrossSubStorages(t *testing.T) {
	ts := newTestTopLevel(t)
	idA := ts.CreateModule("a")
	idB := ts.CreateModule("b")
	subA, _ := ts.ModuleState(idA)
	subB, _ := ts.ModuleState(idB)

	subA.Put(testKey(1), []byte("base-a"))
	subB.Put(testKey(1), []byte("base-b"))

	ts.CreateCheckpoint(TxCheckpoint)
	subA.Put(testKey(1), []byte("tx-a"))
	subB.Put(testKey(1), []byte("tx-b"))
	ts.RevertToCheckpoint(TxCheckpoint)

	va, _, _ := subA.Get(testKey(1))
	vb, _, _ := subB.Get(testKey(1))
	if string(va) != "base-a" || string(vb) != "base-b" {
		t.Fatalf("revert did not restore both sub-storages: %q, %q", va, vb)
	}
}

func TestUpdateParamsRejectsStaleSeq(t *testing.T) {
	ts := newTestTopLevel(t)
	if err := ts.UpdateParams(0, types.ChainParams{MaxBodySize: 1024}); err != nil {
		t.Fatalf("update with correct seq: %v", err)
	}
	err := ts.UpdateParams(0, types.ChainParams{MaxBodySize: 2048})
	if err == nil {
		t.Fatalf("expected InvalidSeq on stale seq")
	}
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrInvalidSeq {
		t.Fatalf("expected CodedError InvalidSeq, got %v", err)
	}
}

func TestReopenRestoresMetadataAndModules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	kv, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := triedb.NewStore(kv, 1024, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db := triedb.NewDB(store)
	ts, err := NewTopLevelState(db, types.Hash{})
	if err != nil {
		t.Fatalf("new top level: %v", err)
	}
	id := ts.CreateModule("stake")
	sub, _ := ts.ModuleState(id)
	sub.Put(testKey(5), []byte("persisted"))
	if err := ts.UpdateParams(0, types.ChainParams{MaxBodySize: 777}); err != nil {
		t.Fatalf("update params: %v", err)
	}
	root, err := ts.Commit(1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	kv.Close()

	kv2, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv2.Close()
	store2, err := triedb.NewStore(kv2, 1024, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db2 := triedb.NewDB(store2)
	ts2, err := NewTopLevelState(db2, root)
	if err != nil {
		t.Fatalf("reopen top level: %v", err)
	}
	if ts2.Metadata().ChainParams.MaxBodySize != 777 {
		t.Fatalf("chain params not restored: %+v", ts2.Metadata().ChainParams)
	}
	sub2, ok := ts2.ModuleState(id)
	if !ok {
		t.Fatalf("module %d not restored", id)
	}
	v, ok, err := sub2.Get(testKey(5))
	if err != nil || !ok || string(v) != "persisted" {
		t.Fatalf("get after reopen = %q, %v, %v", v, ok, err)
	}
}

func TestCommitPanicsOnUnresolvedCheckpoint(t *testing.T) {
	ts := newTestTopLevel(t)
	ts.CreateCheckpoint(TxCheckpoint)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic committing with an unresolved checkpoint")
		}
	}()
	ts.Commit(1)
}
