// Package kvstore wraps go.etcd.io/bbolt behind the column-family-shaped
// API the rest of Foundry expects (§6.5): STATE, HEADERS, BODIES, EXTRA and
// MEMPOOL_BACKUP are bbolt buckets inside one file, opened once per process
// and shared by the trie DB, the chain DB and the mempool backup.
package kvstore

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// Column names, verbatim from §6.5.
const (
	ColumnState          = "STATE"
	ColumnHeaders        = "HEADERS"
	ColumnBodies         = "BODIES"
	ColumnExtra          = "EXTRA"
	ColumnMempoolBackup  = "MEMPOOL_BACKUP"
)

var allColumns = []string{ColumnState, ColumnHeaders, ColumnBodies, ColumnExtra, ColumnMempoolBackup}

// DB is a thin, column-family-shaped handle over one bbolt file.
type DB struct {
	bolt *bolt.DB
}

// Open creates (or reopens) the database at path, ensuring every known
// column family bucket exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	db := &DB{bolt: b}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, c := range allColumns {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.bolt.Close() }

// Get reads a single key from column. Returns (nil, false) on miss.
func (db *DB) Get(column string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(column)).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

// Put writes a single key to column.
func (db *DB) Put(column string, key, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(column)).Put(key, value)
	})
}

// Delete removes a single key from column.
func (db *DB) Delete(column string, key []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(column)).Delete(key)
	})
}

// WriteOp is one entry in a Batch.
type WriteOp struct {
	Column string
	Key    []byte
	Value  []byte // nil means delete
}

// Batch applies every op atomically in a single bbolt transaction.
func (db *DB) Batch(ops []WriteOp) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket([]byte(op.Column))
			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach iterates every key/value pair in column in bbolt's key order.
// Used by the mempool's recovery pass over MEMPOOL_BACKUP (§4.5).
func (db *DB) ForEach(column string, fn func(key, value []byte) error) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(column)).ForEach(fn)
	})
}
