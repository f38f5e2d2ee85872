package triedb

import (
	"path/filepath"
	"testing"

	"foundry/internal/kvstore"
	"foundry/internal/types"
)

func newTestDB(t *testing.T) (*DB, *Store) {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	store, err := NewStore(kv, 1024, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewDB(store), store
}

func key(b byte) [32]byte {
	var k [32]byte
	k[31] = b
	return k
}

func TestInsertGetRoundTrip(t *testing.T) {
	db, _ := newTestDB(t)
	dirty := map[types.Hash][]byte{}

	root, err := db.Insert(types.Hash{}, key(1), []byte("alice"), dirty)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	root, err = db.Insert(root, key(2), []byte("bob"), dirty)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	v, ok, err := db.Get(root, key(1))
	if err != nil || !ok || string(v) != "alice" {
		t.Fatalf("get(1) = %q, %v, %v", v, ok, err)
	}
	v, ok, err = db.Get(root, key(2))
	if err != nil || !ok || string(v) != "bob" {
		t.Fatalf("get(2) = %q, %v, %v", v, ok, err)
	}
	_, ok, err = db.Get(root, key(3))
	if err != nil || ok {
		t.Fatalf("get(3) should miss, got %v, %v", ok, err)
	}
}

func TestInsertDeterministicRoot(t *testing.T) {
	db1, _ := newTestDB(t)
	db2, _ := newTestDB(t)
	d1, d2 := map[types.Hash][]byte{}, map[types.Hash][]byte{}

	r1, _ := db1.Insert(types.Hash{}, key(1), []byte("x"), d1)
	r1, _ = db1.Insert(r1, key(2), []byte("y"), d1)

	r2, _ := db2.Insert(types.Hash{}, key(1), []byte("x"), d2)
	r2, _ = db2.Insert(r2, key(2), []byte("y"), d2)

	if r1 != r2 {
		t.Fatalf("commit determinism violated: %v != %v", r1, r2)
	}
}

func TestJournalAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	kv, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := NewStore(kv, 16, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db := NewDB(store)
	dirty := map[types.Hash][]byte{}
	root, err := db.Insert(types.Hash{}, key(9), []byte("durable"), dirty)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.JournalUnder(1, root, dirty, []types.Hash{root}); err != nil {
		t.Fatalf("journal: %v", err)
	}
	kv.Close()

	kv2, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv2.Close()
	store2, err := NewStore(kv2, 16, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db2 := NewDB(store2)
	v, ok, err := db2.Get(root, key(9))
	if err != nil || !ok || string(v) != "durable" {
		t.Fatalf("get after reopen = %q, %v, %v", v, ok, err)
	}
}

func TestGetUnknownRootIsInvalidStateRoot(t *testing.T) {
	db, _ := newTestDB(t)
	var bogus types.Hash
	bogus[0] = 0xff
	_, _, err := db.Get(bogus, key(1))
	if err == nil {
		t.Fatalf("expected InvalidStateRoot for unknown root")
	}
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrInvalidStateRoot {
		t.Fatalf("expected CodedError InvalidStateRoot, got %v", err)
	}
}

func TestCloneAtForksWithoutMutating(t *testing.T) {
	db, _ := newTestDB(t)
	dirty := map[types.Hash][]byte{}
	root, err := db.Insert(types.Hash{}, key(1), []byte("v1"), dirty)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	view := db.CloneAt(root)
	if _, err := db.Insert(root, key(1), []byte("v2"), dirty); err != nil {
		t.Fatalf("insert: %v", err)
	}

	v, ok, err := view.Get(key(1))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("forked view should still observe v1, got %q, %v, %v", v, ok, err)
	}
}
