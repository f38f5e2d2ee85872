package mempool

import (
	"path/filepath"
	"testing"

	"foundry/internal/kvstore"
	"foundry/internal/rlpcodec"
	"foundry/internal/types"
)

func openTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	db, err := kvstore.Open(filepath.Join(t.TempDir(), "mempool.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tx(body string) types.Transaction {
	return types.Transaction{TxType: "pay", Body: []byte(body)}
}

type allowAllFilter struct{ rejected map[string]bool }

func (f allowAllFilter) CheckTransaction(tx types.Transaction) error {
	if f.rejected[string(tx.Body)] {
		return types.NewError(types.ErrNotApproved, nil)
	}
	return nil
}

func TestAddRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	p, err := New(100, 1<<20, db, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	results := p.Add([]types.Transaction{tx("a")}, types.OriginLocal, 1, 100)
	if results[0].Err != nil {
		t.Fatalf("first add failed: %v", results[0].Err)
	}
	results = p.Add([]types.Transaction{tx("a")}, types.OriginLocal, 1, 100)
	ce, ok := results[0].Err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrAlreadyImported {
		t.Fatalf("expected AlreadyImported, got %v", results[0].Err)
	}
}

func TestAddConsultsFilter(t *testing.T) {
	db := openTestDB(t)
	filter := allowAllFilter{rejected: map[string]bool{"bad": true}}
	p, err := New(100, 1<<20, db, filter)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	results := p.Add([]types.Transaction{tx("bad")}, types.OriginExternal, 1, 100)
	ce, ok := results[0].Err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrNotApproved {
		t.Fatalf("expected filter rejection, got %v", results[0].Err)
	}
	if p.NumPending() != 0 {
		t.Fatalf("rejected tx should not be pending")
	}
}

func TestEvictionPreservesLocalEntries(t *testing.T) {
	db := openTestDB(t)
	p, err := New(2, 1<<20, db, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	p.Add([]types.Transaction{tx("e1")}, types.OriginExternal, 1, 100)
	p.Add([]types.Transaction{tx("e2")}, types.OriginExternal, 1, 100)
	p.Add([]types.Transaction{tx("local")}, types.OriginLocal, 1, 100)

	if p.NumPending() != 2 {
		t.Fatalf("expected count limit enforced down to 2, got %d", p.NumPending())
	}
	localHash, err := rlpcodec.TxHash(&types.Transaction{TxType: "pay", Body: []byte("local")})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, ok := p.items[localHash]; !ok {
		t.Fatalf("local entry was evicted")
	}
	oldestHash, err := rlpcodec.TxHash(&types.Transaction{TxType: "pay", Body: []byte("e1")})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, ok := p.items[oldestHash]; ok {
		t.Fatalf("oldest external entry should have been evicted first")
	}
}

func TestRemoveDeletesFromPoolAndBackup(t *testing.T) {
	db := openTestDB(t)
	p, err := New(100, 1<<20, db, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	results := p.Add([]types.Transaction{tx("a")}, types.OriginLocal, 1, 100)
	hash := results[0].Hash

	if err := p.Remove([]types.Hash{hash}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.NumPending() != 0 {
		t.Fatalf("expected pool empty after remove")
	}
	if _, ok, _ := db.Get(kvstore.ColumnMempoolBackup, hash[:]); ok {
		t.Fatalf("backup row should have been deleted")
	}
}

func TestPendingTransactionsFiltersByTimestampAndSize(t *testing.T) {
	db := openTestDB(t)
	p, err := New(100, 1<<20, db, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Add([]types.Transaction{tx("a")}, types.OriginLocal, 1, 100)
	p.Add([]types.Transaction{tx("b")}, types.OriginLocal, 1, 200)
	p.Add([]types.Transaction{tx("c")}, types.OriginLocal, 1, 300)

	pending := p.PendingTransactions(1<<20, 150, 1000)
	if len(pending) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(pending))
	}
	for _, mt := range pending {
		if mt.InsertedTimestamp < 150 {
			t.Fatalf("entry %d outside requested range", mt.InsertedTimestamp)
		}
	}

	tiny := p.PendingTransactions(1, 0, 1000)
	if len(tiny) != 0 {
		t.Fatalf("expected no entries to fit a size limit of 1 byte, got %d", len(tiny))
	}
}

func TestRecoverFromDBRestoresNextInsertionID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mempool.db")
	db, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	p, err := New(100, 1<<20, db, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Add([]types.Transaction{tx("a"), tx("b"), tx("c")}, types.OriginLocal, 1, 100)
	db.Close()

	db2, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { db2.Close() })
	recovered, err := New(100, 1<<20, db2, nil)
	if err != nil {
		t.Fatalf("recover pool: %v", err)
	}
	if recovered.NumPending() != 3 {
		t.Fatalf("expected 3 recovered entries, got %d", recovered.NumPending())
	}
	if recovered.nextInsertionID != 3 {
		t.Fatalf("nextInsertionID = %d, want 3", recovered.nextInsertionID)
	}
}
