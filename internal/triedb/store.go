package triedb

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"foundry/internal/kvstore"
	"foundry/internal/types"
)

// Era is the journal-retention unit of §4.1: journal_under tags a flush
// with the era it belongs to, and JournalUnder deletes nodes from eras
// older than the configured retention window once they're unreferenced.
type Era = uint64

// Store is the content-addressed node store of C1: get/put keyed by hash,
// an LRU cache in front of the backing KV store, and a journal that
// records which era each flushed root belongs to so old, unreferenced
// nodes can be pruned.
//
// Policy (§4.1): caches are LRU with bounded memory; cache misses read from
// disk; writes never mutate existing nodes.
type Store struct {
	db        *kvstore.DB
	cache     *lru.Cache[types.Hash, []byte]
	retention uint64 // number of eras to retain before a journal entry is prunable
}

// NewStore opens a node store over db with a bounded LRU cache holding up
// to cacheSize encoded nodes.
func NewStore(db *kvstore.DB, cacheSize int, retention uint64) (*Store, error) {
	cache, err := lru.New[types.Hash, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, cache: cache, retention: retention}, nil
}

func (s *Store) getRaw(h types.Hash) ([]byte, bool, error) {
	if b, ok := s.cache.Get(h); ok {
		return b, true, nil
	}
	b, ok, err := s.db.Get(kvstore.ColumnState, h[:])
	if err != nil || !ok {
		return nil, ok, err
	}
	s.cache.Add(h, b)
	return b, true, nil
}

// putDirty stages an encoded node in the cache only; it is not durable
// until JournalUnder flushes it. This is what gives insert() its
// copy-on-write, in-memory-first behaviour.
func (s *Store) putDirty(h types.Hash, raw []byte, dirty map[types.Hash][]byte) {
	dirty[h] = raw
	s.cache.Add(h, raw)
}

// journalKey packs an era and root into the key under which JournalUnder
// records a flush, so pruning can enumerate (era, root) pairs in order.
func journalKey(era Era, root types.Hash) []byte {
	key := make([]byte, 8+32)
	for i := 0; i < 8; i++ {
		key[i] = byte(era >> uint(56-8*i))
	}
	copy(key[8:], root[:])
	return key
}

// JournalUnder flushes every node in dirty to the backing KV store, records
// a journal entry tagged with era for every root retained at that era (the
// top-level root and every module sub-root, not just root itself), then
// deletes nodes belonging to eras older than retention that are no longer
// referenced by any root journaled at or after the retention window's start
// (§4.1). Recording one entry per retained root, not only the top-level
// root, is what lets a later prune reconstruct the full root set for every
// era still inside the window instead of only the most recent commit's.
func (s *Store) JournalUnder(era Era, root types.Hash, dirty map[types.Hash][]byte, retainedRoots []types.Hash) error {
	ops := make([]kvstore.WriteOp, 0, len(dirty)+len(retainedRoots)+1)
	for h, raw := range dirty {
		ops = append(ops, kvstore.WriteOp{Column: kvstore.ColumnState, Key: append([]byte(nil), h[:]...), Value: raw})
	}
	journaled := map[types.Hash]bool{root: true}
	ops = append(ops, kvstore.WriteOp{Column: kvstore.ColumnExtra, Key: journalKey(era, root), Value: []byte{1}})
	for _, r := range retainedRoots {
		if journaled[r] {
			continue
		}
		journaled[r] = true
		ops = append(ops, kvstore.WriteOp{Column: kvstore.ColumnExtra, Key: journalKey(era, r), Value: []byte{1}})
	}
	if err := s.db.Batch(ops); err != nil {
		return err
	}
	if era <= s.retention {
		return nil
	}
	return s.pruneBefore(era - s.retention)
}

// pruneBefore deletes every node unreachable from any root journaled at an
// era >= windowStart: the full set of roots retained across the retention
// window, reconstructed from the journal itself rather than from a single
// commit's retainedRoots (§4.1, "retention" spans the whole window, not
// just the newest era). It is intentionally conservative: it only ever
// removes nodes, never roots or journal markers, so a bug here can waste
// disk but cannot corrupt state.
func (s *Store) pruneBefore(windowStart Era) error {
	windowRoots, err := s.rootsJournaledAtOrAfter(windowStart)
	if err != nil {
		return err
	}
	reachable := make(map[types.Hash]struct{})
	for _, root := range windowRoots {
		s.collectReachable(root, reachable)
	}
	var toDelete [][]byte
	_ = s.db.ForEach(kvstore.ColumnState, func(key, _ []byte) error {
		var h types.Hash
		copy(h[:], key)
		if _, ok := reachable[h]; !ok {
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return nil
	})
	ops := make([]kvstore.WriteOp, len(toDelete))
	for i, k := range toDelete {
		ops[i] = kvstore.WriteOp{Column: kvstore.ColumnState, Key: k, Value: nil}
	}
	return s.db.Batch(ops)
}

// rootsJournaledAtOrAfter scans the journal for every (era, root) entry
// with era >= windowStart. Journal keys are the fixed-width 8-byte-era +
// 32-byte-root encoding journalKey produces, distinguishing them from the
// EXTRA column's other, variable-length keys (chain best-hash pointer,
// tx/tracker indices).
func (s *Store) rootsJournaledAtOrAfter(windowStart Era) ([]types.Hash, error) {
	const journalKeyLen = 8 + 32
	var roots []types.Hash
	err := s.db.ForEach(kvstore.ColumnExtra, func(key, _ []byte) error {
		if len(key) != journalKeyLen {
			return nil
		}
		var era Era
		for i := 0; i < 8; i++ {
			era = era<<8 | Era(key[i])
		}
		if era < windowStart {
			return nil
		}
		var root types.Hash
		copy(root[:], key[8:])
		roots = append(roots, root)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roots, nil
}

func (s *Store) collectReachable(root types.Hash, seen map[types.Hash]struct{}) {
	if root.IsZero() {
		return
	}
	if _, ok := seen[root]; ok {
		return
	}
	raw, ok, err := s.getRaw(root)
	if err != nil || !ok {
		return
	}
	seen[root] = struct{}{}
	n, err := decodeNode(raw)
	if err != nil {
		return
	}
	for _, c := range n.Children {
		s.collectReachable(c, seen)
	}
}
