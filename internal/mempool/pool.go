// Package mempool implements C5 (§4.5): a bounded pool of metadata-wrapped
// transactions, backed by a KV-store column for crash recovery, grounded on
// the original's core/src/miner/mem_pool.rs.
package mempool

import (
	"encoding/json"
	"sort"
	"sync"

	"foundry/internal/kvstore"
	"foundry/internal/rlpcodec"
	"foundry/internal/types"
)

// TxFilter is the pre-admission hook (§6.2 tx_owner.check_transaction): the
// mempool consults it before accepting a transaction, never while holding
// its lock for longer than the call itself. A *coordinator.Coordinator
// satisfies this structurally by routing to the owning module's
// check_transaction export.
type TxFilter interface {
	CheckTransaction(tx types.Transaction) error
}

type item struct {
	meta types.MetaTx
	size int
}

// Pool is a bounded, backup-journaled transaction pool (§3.7, §4.5).
type Pool struct {
	mu     sync.RWMutex
	db     *kvstore.DB
	filter TxFilter

	items map[types.Hash]*item
	order []types.Hash // ascending insertion_id; append-only except on removal

	countLimit      int
	memLimit        int
	memUsage        int
	nextInsertionID uint64
}

// AddResult is one outcome of a batched Add call.
type AddResult struct {
	Hash types.Hash
	Err  error
}

// New opens a pool over db, recovering any rows left in its backup column
// from a prior run (§4.5 "Recovery").
func New(countLimit, memLimit int, db *kvstore.DB, filter TxFilter) (*Pool, error) {
	p := &Pool{
		db:         db,
		filter:     filter,
		items:      make(map[types.Hash]*item),
		countLimit: countLimit,
		memLimit:   memLimit,
	}
	if err := p.recover(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) recover() error {
	var maxID uint64
	var any bool
	err := p.db.ForEach(kvstore.ColumnMempoolBackup, func(key, value []byte) error {
		var mt types.MetaTx
		if err := json.Unmarshal(value, &mt); err != nil {
			return err
		}
		hash, err := rlpcodec.TxHash(&mt.Tx)
		if err != nil {
			return err
		}
		size, err := encodedSize(mt.Tx)
		if err != nil {
			return err
		}
		p.items[hash] = &item{meta: mt, size: size}
		p.memUsage += size
		any = true
		if mt.InsertionID >= maxID {
			maxID = mt.InsertionID
		}
		return nil
	})
	if err != nil {
		return err
	}
	if any {
		p.nextInsertionID = maxID + 1
	}
	p.rebuildOrder()
	return nil
}

func (p *Pool) rebuildOrder() {
	order := make([]types.Hash, 0, len(p.items))
	for h := range p.items {
		order = append(order, h)
	}
	sort.Slice(order, func(i, j int) bool {
		return p.items[order[i]].meta.InsertionID < p.items[order[j]].meta.InsertionID
	})
	p.order = order
}

func encodedSize(tx types.Transaction) (int, error) {
	b, err := rlpcodec.EncodeTransaction(&tx)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// SetLimit changes the pool's count limit in place (§4.5).
func (p *Pool) SetLimit(countLimit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countLimit = countLimit
}

// Limit returns the pool's current count limit.
func (p *Pool) Limit() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.countLimit
}

// NumPending returns the number of transactions currently held.
func (p *Pool) NumPending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Add admits each of txs in order, rejecting duplicates and anything the
// filter refuses, then evicts non-Local entries until both budgets are
// satisfied (§4.5 "Insertion"). A database write failure is a fatal storage
// fault, not a recoverable per-transaction error.
func (p *Pool) Add(txs []types.Transaction, origin types.Origin, insertedBlockNumber types.BlockNumber, insertedTimestamp types.Timestamp) []AddResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]AddResult, len(txs))
	var batch []kvstore.WriteOp

	for i, tx := range txs {
		hash, err := rlpcodec.TxHash(&tx)
		if err != nil {
			results[i] = AddResult{Err: types.NewError(types.ErrMalformedMessage, err)}
			continue
		}
		if _, exists := p.items[hash]; exists {
			results[i] = AddResult{Hash: hash, Err: types.NewError(types.ErrAlreadyImported, nil)}
			continue
		}
		if p.filter != nil {
			if err := p.filter.CheckTransaction(tx); err != nil {
				results[i] = AddResult{Hash: hash, Err: err}
				continue
			}
		}
		size, err := encodedSize(tx)
		if err != nil {
			results[i] = AddResult{Hash: hash, Err: types.NewError(types.ErrMalformedMessage, err)}
			continue
		}

		id := p.nextInsertionID
		p.nextInsertionID++
		mt := types.MetaTx{
			Tx:                  tx,
			Origin:              origin,
			InsertedBlockNumber: insertedBlockNumber,
			InsertedTimestamp:   insertedTimestamp,
			InsertionID:         id,
		}
		raw, err := json.Marshal(mt)
		if err != nil {
			panic("mempool: marshal backup row: " + err.Error())
		}

		p.items[hash] = &item{meta: mt, size: size}
		p.order = append(p.order, hash)
		p.memUsage += size
		batch = append(batch, kvstore.WriteOp{Column: kvstore.ColumnMempoolBackup, Key: append([]byte(nil), hash[:]...), Value: raw})
		results[i] = AddResult{Hash: hash}
	}

	p.enforceLimitLocked(&batch)

	if len(batch) > 0 {
		if err := p.db.Batch(batch); err != nil {
			panic("mempool: backup write failed: " + err.Error())
		}
	}
	return results
}

// enforceLimitLocked walks the pool oldest-first, evicting non-Local entries
// until both the entry count and the memory usage are within the configured
// limits. Local entries are never evicted but still count toward both
// totals (§3.7 invariant (b), §4.5 edge case "eviction preserves Local").
func (p *Pool) enforceLimitLocked(batch *[]kvstore.WriteOp) {
	count, mem := len(p.items), p.memUsage
	var toDrop []types.Hash
	for _, h := range p.order {
		if count <= p.countLimit && mem <= p.memLimit {
			break
		}
		it := p.items[h]
		if it.meta.Origin == types.OriginLocal {
			continue
		}
		toDrop = append(toDrop, h)
		count--
		mem -= it.size
	}
	for _, h := range toDrop {
		p.removeLocked(h, batch)
	}
}

func (p *Pool) removeLocked(h types.Hash, batch *[]kvstore.WriteOp) {
	it, ok := p.items[h]
	if !ok {
		return
	}
	delete(p.items, h)
	p.memUsage -= it.size
	for i, oh := range p.order {
		if oh == h {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	*batch = append(*batch, kvstore.WriteOp{Column: kvstore.ColumnMempoolBackup, Key: append([]byte(nil), h[:]...), Value: nil})
}

// Remove deletes every hash present in the pool, dropping their backup rows
// in the same batch (§4.5 "Removal").
func (p *Pool) Remove(hashes []types.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var batch []kvstore.WriteOp
	for _, h := range hashes {
		p.removeLocked(h, &batch)
	}
	if len(batch) == 0 {
		return nil
	}
	return p.db.Batch(batch)
}

// RemoveAll empties the pool and its backup column.
func (p *Pool) RemoveAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var batch []kvstore.WriteOp
	for h := range p.items {
		batch = append(batch, kvstore.WriteOp{Column: kvstore.ColumnMempoolBackup, Key: append([]byte(nil), h[:]...), Value: nil})
	}
	p.items = make(map[types.Hash]*item)
	p.order = nil
	p.memUsage = 0
	if len(batch) == 0 {
		return nil
	}
	return p.db.Batch(batch)
}

// PendingTransactions returns entries in insertion order whose
// InsertedTimestamp lies in [from, to), stopping before the cumulative
// encoded size would exceed sizeLimit (§4.5 "Query").
func (p *Pool) PendingTransactions(sizeLimit int, from, to types.Timestamp) []types.MetaTx {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.MetaTx
	var cumulative int
	for _, h := range p.order {
		it := p.items[h]
		if it.meta.InsertedTimestamp < from || it.meta.InsertedTimestamp >= to {
			continue
		}
		if cumulative+it.size > sizeLimit {
			break
		}
		cumulative += it.size
		out = append(out, it.meta)
	}
	return out
}

// CountPendingTransactions counts entries whose InsertedTimestamp lies in
// [from, to), ignoring sizeLimit.
func (p *Pool) CountPendingTransactions(from, to types.Timestamp) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n int
	for _, h := range p.order {
		it := p.items[h]
		if it.meta.InsertedTimestamp >= from && it.meta.InsertedTimestamp < to {
			n++
		}
	}
	return n
}
