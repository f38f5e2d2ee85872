// Package miner is the §5 "miner/mempool actor": the block-assembly loop
// that actually drives the C4 coordinator's open/execute/close/commit
// pipeline end to end, rather than leaving it invoked only by tests. It is
// grounded on the teacher's SynnergyConsensus proposer loops
// (synnergy-network/core/consensus.go's subBlockLoop/blockLoop: a ticker
// selects pending transactions, builds a header, signs it, and hands the
// result to the chain), adapted to the tendermint prevote/precommit quorum
// this engine requires instead of the teacher's PoH/PoW sealing.
package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"foundry/internal/chain"
	"foundry/internal/coordinator"
	"foundry/internal/logging"
	"foundry/internal/mempool"
	"foundry/internal/rlpcodec"
	"foundry/internal/tendermint"
	"foundry/internal/triedb"
	"foundry/internal/types"
)

// candidateBlock is a block this node proposed and self-voted for, held
// until either its own precommit (single-validator deployments reach
// quorum immediately) or a gossiped precommit from another validator
// completes the §8 "Seal quorum" majority.
type candidateBlock struct {
	block          types.Block
	hash           types.Hash
	view           uint64
	nextValidators types.ValidatorSet
}

// voteMessage is the gossip-wire shape of a vote: JSON, the same local,
// non-canonical encoding the port/service contracts of §6.2 already use for
// host/module traffic, kept separate from the RLP chain encoding of §6.4
// since a vote never enters a block body.
type voteMessage struct {
	Step types.VoteStep `json:"step"`
	Vote types.Vote     `json:"vote"`
}

// Producer drives block proposal for one node: on each tick it checks
// whether the local signer is this height's proposer and, if so, sorts
// pending transactions, executes them against the shared coordinator state,
// and assembles+submits the resulting block once a precommit quorum forms
// (§4.4, §4.6, §5).
type Producer struct {
	mu sync.Mutex

	coord    *coordinator.Coordinator
	pool     *mempool.Pool
	importer *chain.Importer
	engine   *tendermint.Engine
	signer   tendermint.Signer
	params   types.ChainParams

	bodySizeBudget int
	publishBlock   func(types.Block) error
	publishVote    func(types.VoteStep, types.Vote) error

	candidate *candidateBlock
}

// New builds a Producer. publishBlock/publishVote may be nil, in which case
// the node mines only for itself and never gossips (a single-node
// deployment, or a test harness driving Propose/ReceiveVote directly).
func New(coord *coordinator.Coordinator, pool *mempool.Pool, importer *chain.Importer, engine *tendermint.Engine, signer tendermint.Signer, params types.ChainParams, bodySizeBudget int, publishBlock func(types.Block) error, publishVote func(types.VoteStep, types.Vote) error) *Producer {
	return &Producer{
		coord:          coord,
		pool:           pool,
		importer:       importer,
		engine:         engine,
		signer:         signer,
		params:         params,
		bodySizeBudget: bodySizeBudget,
		publishBlock:   publishBlock,
		publishVote:    publishVote,
	}
}

// noTiebreak is the proposer-order tiebreaker used when nomination order
// isn't tracked separately from the validator set itself (§4.6 "Proposer
// selection" only defines the tiebreak for candidates with equal
// weight/deposit, which this illustrative set never produces since weights
// are assigned directly rather than derived from delegation history).
func noTiebreak(types.PublicKey) (block, tx uint64) { return 0, 0 }

// Run drives the proposer loop until ctx is cancelled. A node with no
// signer never proposes, matching §5's "a node with no local validator key
// never seals, only imports".
func (p *Producer) Run(ctx context.Context, tick time.Duration) {
	if p.signer == nil {
		return
	}
	log := logging.L().WithField("component", "miner")
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Propose(); err != nil {
				log.WithError(err).Debug("propose skipped")
			}
		}
	}
}

// Propose attempts to assemble and self-vote a block for the current
// height/view if the local signer is its proposer. It is idempotent while a
// proposal is already pending quorum.
func (p *Producer) Propose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.candidate != nil {
		return nil // already proposed this height, waiting on quorum
	}

	idx := p.engine.Proposer(noTiebreak)
	if idx < 0 || idx >= len(p.engine.Validators.Validators) {
		return fmt.Errorf("miner: no proposer for view %d", p.engine.View)
	}
	if p.engine.Validators.Validators[idx].PublicKey != p.signer.PublicKey() {
		return nil // not this node's turn
	}

	best, err := p.importer.BestHash()
	if err != nil {
		return err
	}
	parentHeader, ok, err := p.importer.HeaderByHash(best)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("miner: best header %s missing", best)
	}

	pending := p.pool.PendingTransactions(p.bodySizeBudget, 0, ^types.Timestamp(0))
	selected, _, err := p.coord.SortTransactions(pending, p.bodySizeBudget)
	if err != nil {
		return fmt.Errorf("miner: sort transactions: %w", err)
	}
	txs := make([]types.Transaction, len(selected))
	for i, m := range selected {
		txs[i] = m.Tx
	}

	preHeader := types.PreHeader{
		ParentHash:              best,
		Number:                  parentHeader.Number + 1,
		Timestamp:               types.Timestamp(time.Now().Unix()),
		Author:                  p.signer.PublicKey(),
		LastCommittedValidators: p.engine.Validators.Validators,
	}

	root, updatedValidators, err := p.coord.ExecuteBlock(preHeader, txs, triedb.Era(preHeader.Number))
	if err != nil {
		return fmt.Errorf("miner: execute block: %w", err)
	}

	txRoot, err := rlpcodec.TransactionsRoot(txs)
	if err != nil {
		return err
	}
	evRoot, err := rlpcodec.EvidencesRoot(nil)
	if err != nil {
		return err
	}
	nextValidators := p.engine.Validators
	if updatedValidators != nil {
		nextValidators = *updatedValidators
	}
	nextHash, err := rlpcodec.ValidatorSetHash(nextValidators)
	if err != nil {
		return err
	}

	header := types.Header{
		ParentHash:           preHeader.ParentHash,
		Number:               preHeader.Number,
		Timestamp:            preHeader.Timestamp,
		Author:               preHeader.Author,
		Extra:                preHeader.Extra,
		StateRoot:            root,
		TransactionsRoot:     txRoot,
		EvidencesRoot:        evRoot,
		NextValidatorSetHash: nextHash,
	}
	hash := header.Hash()

	p.candidate = &candidateBlock{
		block:          types.Block{Header: header, Transactions: txs},
		hash:           hash,
		view:           p.engine.View,
		nextValidators: nextValidators,
	}

	if err := p.castVoteLocked(types.StepPrevote, &hash); err != nil {
		return err
	}
	return p.castVoteLocked(types.StepPrecommit, &hash)
}

// castVoteLocked signs and folds a vote for the candidate block into the
// local engine, gossiping it to other validators, and finalizes the
// candidate if this vote itself completes a precommit quorum.
func (p *Producer) castVoteLocked(step types.Step, blockHash *types.Hash) error {
	voteStep := types.VoteStep{Height: p.engine.Height, View: p.engine.View, Step: step}
	vote, err := tendermint.SignVote(p.signer, p.engine.Validators, voteStep, blockHash)
	if err != nil {
		return err
	}

	var quorumHash *types.Hash
	var ok bool
	switch step {
	case types.StepPrevote:
		quorumHash, ok, err = p.engine.ReceivePrevote(vote)
	case types.StepPrecommit:
		quorumHash, ok, err = p.engine.ReceivePrecommit(vote)
	default:
		return fmt.Errorf("miner: cannot cast vote for step %v", step)
	}
	if err != nil {
		return err
	}

	if p.publishVote != nil {
		if err := p.publishVote(voteStep, vote); err != nil {
			logging.L().WithField("component", "miner").WithError(err).Debug("vote gossip failed")
		}
	}

	if step == types.StepPrecommit && ok && quorumHash != nil && p.candidate != nil && *quorumHash == p.candidate.hash {
		return p.finalizeLocked()
	}
	return nil
}

// ReceiveVote folds an externally-gossiped vote into the engine, finalizing
// the pending candidate if it completes the precommit quorum (§4.6, §8
// "Seal quorum").
func (p *Producer) ReceiveVote(step types.VoteStep, vote types.Vote) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var quorumHash *types.Hash
	var ok bool
	var err error
	switch step.Step {
	case types.StepPrevote:
		quorumHash, ok, err = p.engine.ReceivePrevote(vote)
	case types.StepPrecommit:
		quorumHash, ok, err = p.engine.ReceivePrecommit(vote)
	default:
		return fmt.Errorf("miner: cannot receive vote for step %v", step.Step)
	}
	if err != nil {
		return err
	}
	if step.Step == types.StepPrecommit && ok && quorumHash != nil && p.candidate != nil && *quorumHash == p.candidate.hash {
		return p.finalizeLocked()
	}
	return nil
}

// finalizeLocked assembles the consensus seal from the precommit quorum
// recorded for the candidate's view, submits the sealed block through the
// same Importer.Import path a gossiped block takes, drops its transactions
// from the mempool, and advances the engine to the next height (§4.6
// "Seal", §4.7, §5).
func (p *Producer) finalizeLocked() error {
	c := p.candidate
	p.candidate = nil

	seal := p.engine.Seal(c.view, c.hash)
	sealFields, err := tendermint.EncodeSeal(seal)
	if err != nil {
		return err
	}
	c.block.Header.Seal = sealFields

	result, err := p.importer.Import(c.block, p.engine.Validators, p.params)
	if err != nil {
		return fmt.Errorf("miner: import own proposal: %w", err)
	}
	if len(result.Invalid) > 0 {
		return fmt.Errorf("miner: own proposal %s rejected", c.hash)
	}

	hashes := make([]types.Hash, 0, len(c.block.Transactions))
	for i := range c.block.Transactions {
		h, err := rlpcodec.TxHash(&c.block.Transactions[i])
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	if err := p.pool.Remove(hashes); err != nil {
		return err
	}

	p.engine.AdvanceHeight(c.block.Header.Number+1, c.nextValidators)

	if p.publishBlock != nil {
		if err := p.publishBlock(c.block); err != nil {
			logging.L().WithField("component", "miner").WithError(err).Warn("block gossip failed")
		}
	}
	return nil
}

// EncodeVoteMessage/DecodeVoteMessage frame a vote for gossip over
// p2p.TopicVotes, independent of EncodeVoteMessage in internal/tendermint
// (which produces the bytes a vote's signature covers, not a wire envelope).
func EncodeVoteMessage(step types.VoteStep, vote types.Vote) ([]byte, error) {
	return json.Marshal(voteMessage{Step: step, Vote: vote})
}

func DecodeVoteMessage(data []byte) (types.VoteStep, types.Vote, error) {
	var m voteMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return types.VoteStep{}, types.Vote{}, err
	}
	return m.Step, m.Vote, nil
}
