package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"

	"foundry/internal/rlpcodec"
	"foundry/internal/state"
	"foundry/internal/triedb"
	"foundry/internal/types"
)

// BlockOutcome is what CloseBlock hands back to the consensus engine
// (§4.4.4): the block_closed events plus anything a tx_owner chose to
// change about the chain's governance surface. CloseBlock leaves Results
// empty; per-transaction results come from ExecuteTransaction.
type BlockOutcome struct {
	Results                []types.TxResult
	BlockEvents            [][]byte
	UpdatedValidatorSet    *types.ValidatorSet
	UpdatedConsensusParams *types.ConsensusParams
}

// Coordinator drives the open/execute/close pipeline of §4.4 against a C2
// TopLevelState, routing transactions to the module a descriptor's
// `transactions` map names as their owner.
type Coordinator struct {
	weaver *Weaver
	desc   *Descriptor
	ts     *state.TopLevelState

	owners           map[string]*txOwner // tx_type -> owner wrapper
	moduleStorageIDs map[string]types.StorageId
}

func NewCoordinator(weaver *Weaver, desc *Descriptor, ts *state.TopLevelState) *Coordinator {
	c := &Coordinator{
		weaver:           weaver,
		desc:             desc,
		ts:               ts,
		owners:           make(map[string]*txOwner),
		moduleStorageIDs: make(map[string]types.StorageId),
	}
	for txType, module := range desc.Transactions {
		c.owners[txType] = &txOwner{weaver: weaver, module: module}
	}
	return c
}

// moduleStorageID returns module's StorageId, reusing the one recorded in
// the top-level metadata if this state was loaded from an existing root, or
// registering a fresh sub-storage the first time a module is seen otherwise
// (§4.2, §4.3 — one sub-storage per stateful module).
func (c *Coordinator) moduleStorageID(module string) types.StorageId {
	if id, ok := c.moduleStorageIDs[module]; ok {
		return id
	}
	for _, d := range c.ts.Metadata().Storages {
		if d.Name == module {
			c.moduleStorageIDs[module] = d.ID
			return d.ID
		}
	}
	id := c.ts.CreateModule(module)
	c.moduleStorageIDs[module] = id
	return id
}

func (c *Coordinator) ownerFor(txType string) (*txOwner, error) {
	owner, ok := c.owners[txType]
	if !ok {
		return nil, fmt.Errorf("coordinator: no module owns tx_type %q", txType)
	}
	return owner, nil
}

// distinctOwnerModules returns the set of modules named in desc.Transactions
// once each, in the descriptor's deterministic module-name order, used when
// a hook (block_opened/block_closed) must run once per owning module rather
// than once per tx_type (§4.4.1, §4.4.4).
func (c *Coordinator) distinctOwnerModules() []string {
	seen := make(map[string]bool)
	var names []string
	for _, module := range c.desc.Transactions {
		if !seen[module] {
			seen[module] = true
			names = append(names, module)
		}
	}
	sort.Strings(names)
	return names
}

// OpenBlock installs each owning module's per-block storage handle (§6.2
// "stateful", required once per block before block_opened), then invokes
// block_opened on every registered tx_owner in descriptor order; any error
// aborts the block (§4.4.1).
func (c *Coordinator) OpenBlock(header types.PreHeader) error {
	for _, module := range c.distinctOwnerModules() {
		sub, ok := c.ts.ModuleState(c.moduleStorageID(module))
		if !ok {
			return fmt.Errorf("coordinator: module state missing for %q", module)
		}
		(&statefulModule{weaver: c.weaver, module: module}).SetStorage(sub)

		owner := &txOwner{weaver: c.weaver, module: module}
		if err := owner.BlockOpened(header); err != nil {
			return fmt.Errorf("coordinator: block_opened on %q: %w", module, err)
		}
	}
	return nil
}

// ExecuteTransaction runs one transaction under TX_CHECKPOINT discipline
// (§4.4.2): on success the checkpoint is discarded and the outcome's events
// are returned; on failure it is reverted and the transaction is still
// reported so it can be included in the block body with Failed=true,
// keeping the transactions root deterministic regardless of outcome.
func (c *Coordinator) ExecuteTransaction(tx types.Transaction) types.TxResult {
	hash, err := rlpcodec.TxHash(&tx)
	if err != nil {
		return types.TxResult{Failed: true, ErrKind: types.ErrMalformedMessage}
	}
	owner, err := c.ownerFor(tx.TxType)
	if err != nil {
		return types.TxResult{Hash: hash, Failed: true, ErrKind: types.ErrCannotOpenBlock}
	}

	c.ts.CreateCheckpoint(state.TxCheckpoint)
	outcome, err := owner.ExecuteTransaction(tx)
	if err != nil {
		c.ts.RevertToCheckpoint(state.TxCheckpoint)
		kind := "unknown"
		if ce, ok := err.(*types.CodedError); ok {
			kind = ce.Kind
		}
		return types.TxResult{Hash: hash, Failed: true, ErrKind: kind}
	}
	c.ts.DiscardCheckpoint(state.TxCheckpoint)
	return types.TxResult{Hash: hash, Events: outcome.Events}
}

// ExecuteSystemTransaction runs an engine-injected transaction (validator-
// set update, term close, elect) the same way as a user transaction, except
// a failure here is a consensus invariant violation, never a recoverable
// per-transaction revert (§4.4.3).
func (c *Coordinator) ExecuteSystemTransaction(tx types.Transaction) types.TxResult {
	result := c.ExecuteTransaction(tx)
	if result.Failed {
		panic(fmt.Sprintf("coordinator: engine-injected transaction %s failed: %s", result.Hash, result.ErrKind))
	}
	return result
}

// CheckTransaction runs a transaction's owner module's check_transaction
// hook without touching state (§6.2), satisfying mempool.TxFilter so the
// mempool can use a Coordinator as its pre-admission filter directly.
func (c *Coordinator) CheckTransaction(tx types.Transaction) error {
	owner, err := c.ownerFor(tx.TxType)
	if err != nil {
		return types.NewError(types.ErrCannotOpenBlock, err)
	}
	return owner.CheckTransaction(tx)
}

// CloseBlock invokes block_closed on every registered tx_owner, merging
// their updated_validator_set/updated_consensus_params into the outcome
// (§4.4.4). At most one module is expected to set either field in a
// well-formed descriptor; the last one wins, matching a single
// governance-owning module being the normal case.
func (c *Coordinator) CloseBlock() (BlockOutcome, error) {
	var out BlockOutcome
	for _, module := range c.distinctOwnerModules() {
		owner := &txOwner{weaver: c.weaver, module: module}
		resp, err := owner.BlockClosed()
		if err != nil {
			return BlockOutcome{}, fmt.Errorf("coordinator: block_closed on %q: %w", module, err)
		}
		out.BlockEvents = append(out.BlockEvents, resp.Events...)
		if resp.UpdatedValidatorSet != nil {
			out.UpdatedValidatorSet = resp.UpdatedValidatorSet
		}
		if resp.UpdatedConsensusParams != nil {
			out.UpdatedConsensusParams = resp.UpdatedConsensusParams
		}
	}
	return out, nil
}

// ExecuteBlock drives the full §4.4 lifecycle against c's state in one call:
// OpenBlock, then ExecuteTransaction for each transaction in order (a failed
// transaction aborts the whole block rather than being silently dropped,
// since a block presented for execution is expected to already be a sorted,
// checked candidate — unlike the proposer path, which drops failing
// transactions one at a time via SortTransactions/CheckTransaction), then
// CloseBlock, then Commit(era). It is used both by the block producer to
// seal a freshly assembled block and by chain import to re-derive a
// candidate block's state root and next validator set for verification
// (§4.7).
func (c *Coordinator) ExecuteBlock(header types.PreHeader, txs []types.Transaction, era triedb.Era) (types.StateRoot, *types.ValidatorSet, error) {
	if err := c.OpenBlock(header); err != nil {
		return types.StateRoot{}, nil, err
	}
	for _, tx := range txs {
		if result := c.ExecuteTransaction(tx); result.Failed {
			return types.StateRoot{}, nil, fmt.Errorf("coordinator: transaction %s failed during block execution: %s", result.Hash, result.ErrKind)
		}
	}
	outcome, err := c.CloseBlock()
	if err != nil {
		return types.StateRoot{}, nil, err
	}
	root, err := c.ts.Commit(era)
	if err != nil {
		return types.StateRoot{}, nil, err
	}
	return root, outcome.UpdatedValidatorSet, nil
}

// sortTxsRequest/Response mirror the tx_sorter contract (§6.2, §4.4).
type sortTxsRequest struct {
	Pending       []types.MetaTx `json:"pending"`
	BodySizeBudget int            `json:"body_size_budget"`
}

type sortTxsResponse struct {
	Sorted  []int `json:"sorted"`
	Invalid []int `json:"invalid"`
}

// SortTransactions calls the descriptor-bound tx_sorter with the mempool
// snapshot and a body-size budget, returning the ordered subset to include
// and the indices the caller should drop from the mempool (§4.4, tx
// fetching for proposal).
func (c *Coordinator) SortTransactions(pending []types.MetaTx, bodySizeBudget int) (selected []types.MetaTx, drop []int, err error) {
	req, _ := json.Marshal(sortTxsRequest{Pending: pending, BodySizeBudget: bodySizeBudget})
	raw, err := c.weaver.Call(HostModuleName, "sorter", "sort_txs", req)
	if err != nil {
		return nil, nil, err
	}
	var resp sortTxsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, err
	}
	selected = make([]types.MetaTx, 0, len(resp.Sorted))
	for _, idx := range resp.Sorted {
		if idx >= 0 && idx < len(pending) {
			selected = append(selected, pending[idx])
		}
	}
	return selected, resp.Invalid, nil
}
