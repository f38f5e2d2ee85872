// Package chain is the §4.7 block importer and canonical chain: a two-stage
// verification queue (basic checks, then seal checks delegated to the
// consensus engine) backed by the §6.5 HEADERS/BODIES/EXTRA column
// families, plus the websocket notifier hub observers subscribe to.
package chain

import (
	"encoding/json"
	"sync"

	"foundry/internal/kvstore"
	"foundry/internal/rlpcodec"
	"foundry/internal/tendermint"
	"foundry/internal/types"
)

// Address is the §6.5 TransactionAddress: where a transaction lives once
// committed.
type Address struct {
	BlockHash types.Hash
	Index     uint32
}

// ImportResult is what Import reports and the Hub broadcasts (§4.7,
// "notifies registered observers with (imported, invalid, enacted) hash
// sets").
type ImportResult struct {
	Imported []types.Hash
	Invalid  []types.Hash
	Enacted  []types.Hash
}

const bestKey = "best"

// StateVerifier re-executes a block's transactions against the state
// rooted at parentRoot and reports the resulting state root and, if the
// close-block step produced a new validator set, that set — letting Import
// confirm header.StateRoot/header.NextValidatorSetHash before a block is
// accepted (§4.7, §7 "Block errors ... surfaced to the importer"). era tags
// the resulting commit for the trie store's retention journal (§4.1). A nil
// StateVerifier disables state-root verification entirely, which NewImporter
// and Import both permit for tests exercising only the header/seal stages.
type StateVerifier func(parentRoot types.StateRoot, header types.PreHeader, txs []types.Transaction, era uint64) (types.StateRoot, *types.ValidatorSet, error)

// Importer owns the chain DB and the best-block pointer (§5, "the
// client/chain actor ... is the only writer of the best-block hash").
// Callers are expected to serialize block assembly through a single actor,
// but Import itself is safe to call concurrently (e.g. the same block
// arriving from two gossip peers at once).
type Importer struct {
	mu       sync.Mutex
	db       *kvstore.DB
	hub      *Hub
	bad      map[types.Hash]bool
	pending  map[types.Hash]bool
	verifier StateVerifier
}

// NewImporter opens an importer over db, seeding the chain with genesis if
// the EXTRA column has no best-block pointer yet. verifier re-executes every
// non-genesis block's transactions to confirm its state root and next
// validator set before it is accepted; pass nil only in tests that want to
// exercise header/seal verification in isolation.
func NewImporter(db *kvstore.DB, hub *Hub, genesis types.Block, verifier StateVerifier) (*Importer, error) {
	imp := &Importer{
		db:       db,
		hub:      hub,
		bad:      make(map[types.Hash]bool),
		pending:  make(map[types.Hash]bool),
		verifier: verifier,
	}
	if _, ok, err := db.Get(kvstore.ColumnExtra, []byte(bestKey)); err != nil {
		return nil, err
	} else if !ok {
		if err := imp.persistBlock(genesis); err != nil {
			return nil, err
		}
		hash := genesis.Header.Hash()
		if err := db.Put(kvstore.ColumnExtra, []byte(bestKey), hash[:]); err != nil {
			return nil, err
		}
	}
	return imp, nil
}

// BestHash returns the current canonical tip.
func (imp *Importer) BestHash() (types.Hash, error) {
	b, ok, err := imp.db.Get(kvstore.ColumnExtra, []byte(bestKey))
	if err != nil {
		return types.Hash{}, err
	}
	if !ok {
		return types.Hash{}, nil
	}
	return types.BytesToHash(b), nil
}

// HeaderByHash looks up a persisted header.
func (imp *Importer) HeaderByHash(hash types.Hash) (types.Header, bool, error) {
	b, ok, err := imp.db.Get(kvstore.ColumnHeaders, hash[:])
	if err != nil || !ok {
		return types.Header{}, ok, err
	}
	h, err := rlpcodec.DecodeHeader(b)
	return h, true, err
}

// BodyByHash looks up a persisted block body.
func (imp *Importer) BodyByHash(hash types.Hash) ([]types.Transaction, []types.Evidence, bool, error) {
	b, ok, err := imp.db.Get(kvstore.ColumnBodies, hash[:])
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	txs, evs, err := rlpcodec.DecodeBody(b)
	return txs, evs, true, err
}

// TransactionAddress looks up where a committed transaction lives.
func (imp *Importer) TransactionAddress(txHash types.Hash) (Address, bool, error) {
	b, ok, err := imp.db.Get(kvstore.ColumnExtra, txIndexKey(txHash))
	if err != nil || !ok {
		return Address{}, ok, err
	}
	var addr Address
	if err := json.Unmarshal(b, &addr); err != nil {
		return Address{}, false, err
	}
	return addr, true, nil
}

// TrackerAddresses looks up every address recorded against a tracker.
func (imp *Importer) TrackerAddresses(tracker types.Hash) ([]Address, error) {
	b, ok, err := imp.db.Get(kvstore.ColumnExtra, trackerIndexKey(tracker))
	if err != nil || !ok {
		return nil, err
	}
	var addrs []Address
	if err := json.Unmarshal(b, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

func txIndexKey(h types.Hash) []byte      { return append([]byte("tx:"), h[:]...) }
func trackerIndexKey(h types.Hash) []byte { return append([]byte("trk:"), h[:]...) }

// Import runs the two-stage verification queue and, on success, persists
// the block and updates the canonical tip per §4.6's one-reorg rule.
func (imp *Importer) Import(block types.Block, parentValidators types.ValidatorSet, params types.ChainParams) (ImportResult, error) {
	hash := block.Header.Hash()

	imp.mu.Lock()
	switch {
	case imp.bad[hash]:
		imp.mu.Unlock()
		return ImportResult{}, types.NewError(types.ErrKnownBad, nil)
	case imp.pending[hash]:
		imp.mu.Unlock()
		return ImportResult{}, types.NewError(types.ErrAlreadyQueued, nil)
	}
	imp.pending[hash] = true
	imp.mu.Unlock()
	defer func() {
		imp.mu.Lock()
		delete(imp.pending, hash)
		imp.mu.Unlock()
	}()

	if _, ok, err := imp.HeaderByHash(hash); err != nil {
		return ImportResult{}, err
	} else if ok {
		return ImportResult{}, types.NewError(types.ErrAlreadyInChain, nil)
	}

	parentHeader, ok, err := imp.HeaderByHash(block.Header.ParentHash)
	if err != nil {
		return ImportResult{}, err
	}
	if !ok {
		return imp.reject(hash, types.NewError(types.ErrUnknownParent, nil))
	}

	if err := VerifyBasic(block.Header, block.Transactions, block.Evidences, parentHeader, params); err != nil {
		return imp.reject(hash, err)
	}
	if err := VerifySeal(block.Header, parentValidators); err != nil {
		return imp.reject(hash, err)
	}

	if imp.verifier != nil {
		preHeader := types.PreHeader{
			ParentHash:              block.Header.ParentHash,
			Number:                  block.Header.Number,
			Timestamp:               block.Header.Timestamp,
			Author:                  block.Header.Author,
			Extra:                   block.Header.Extra,
			LastCommittedValidators: parentValidators.Validators,
		}
		root, nextValidators, err := imp.verifier(parentHeader.StateRoot, preHeader, block.Transactions, uint64(block.Header.Number))
		if err != nil {
			return imp.reject(hash, types.NewError(types.ErrInvalidStateRoot, err))
		}
		if root != block.Header.StateRoot {
			return imp.reject(hash, types.NewError(types.ErrInvalidStateRoot, nil))
		}
		if nextValidators != nil {
			wantHash, err := rlpcodec.ValidatorSetHash(*nextValidators)
			if err != nil {
				return ImportResult{}, err
			}
			if wantHash != block.Header.NextValidatorSetHash {
				return imp.reject(hash, types.NewError(types.ErrInvalidNextValidatorSetHash, nil))
			}
		}
	}

	if err := imp.persistBlock(block); err != nil {
		return ImportResult{}, err
	}
	if err := imp.indexTransactions(hash, block.Transactions); err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{Imported: []types.Hash{hash}}
	imp.mu.Lock()
	best, err := imp.BestHash()
	if err != nil {
		imp.mu.Unlock()
		return ImportResult{}, err
	}
	var grandparent types.Hash
	if gp, ok, err := imp.HeaderByHash(parentHeader.ParentHash); err == nil && ok {
		grandparent = gp.Hash()
	}
	if tendermint.CanChangeCanonChain(block.Header.ParentHash, grandparent, best) {
		if err := imp.db.Put(kvstore.ColumnExtra, []byte(bestKey), hash[:]); err != nil {
			imp.mu.Unlock()
			return ImportResult{}, err
		}
		result.Enacted = []types.Hash{hash}
	}
	imp.mu.Unlock()

	if imp.hub != nil {
		imp.hub.Notify(result)
	}
	return result, nil
}

func (imp *Importer) reject(hash types.Hash, cause error) (ImportResult, error) {
	imp.mu.Lock()
	imp.bad[hash] = true
	imp.mu.Unlock()
	result := ImportResult{Invalid: []types.Hash{hash}}
	if imp.hub != nil {
		imp.hub.Notify(result)
	}
	return result, cause
}

func (imp *Importer) persistBlock(block types.Block) error {
	hash := block.Header.Hash()
	headerBytes, err := rlpcodec.EncodeHeader(&block.Header)
	if err != nil {
		return err
	}
	bodyBytes, err := rlpcodec.EncodeBody(block.Transactions, block.Evidences)
	if err != nil {
		return err
	}
	return imp.db.Batch([]kvstore.WriteOp{
		{Column: kvstore.ColumnHeaders, Key: hash[:], Value: headerBytes},
		{Column: kvstore.ColumnBodies, Key: hash[:], Value: bodyBytes},
	})
}

func (imp *Importer) indexTransactions(blockHash types.Hash, txs []types.Transaction) error {
	newByTracker := make(map[types.Hash][]Address)
	var ops []kvstore.WriteOp
	for i := range txs {
		hash, err := txHash(&txs[i])
		if err != nil {
			return err
		}
		addr := Address{BlockHash: blockHash, Index: uint32(i)}
		encoded, err := json.Marshal(addr)
		if err != nil {
			return err
		}
		ops = append(ops, kvstore.WriteOp{Column: kvstore.ColumnExtra, Key: txIndexKey(hash), Value: encoded})

		tracker := trackerOf(&txs[i])
		newByTracker[tracker] = append(newByTracker[tracker], addr)
	}
	for tracker, fresh := range newByTracker {
		existing, err := imp.TrackerAddresses(tracker)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(append(existing, fresh...))
		if err != nil {
			return err
		}
		ops = append(ops, kvstore.WriteOp{Column: kvstore.ColumnExtra, Key: trackerIndexKey(tracker), Value: encoded})
	}
	if len(ops) == 0 {
		return nil
	}
	return imp.db.Batch(ops)
}
