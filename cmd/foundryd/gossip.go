package main

import (
	"encoding/binary"
	"fmt"

	"foundry/internal/chain"
	"foundry/internal/logging"
	"foundry/internal/mempool"
	"foundry/internal/metrics"
	"foundry/internal/miner"
	"foundry/internal/p2p"
	"foundry/internal/rlpcodec"
	"foundry/internal/types"
)

// splitHeaderBody unframes a gossiped block message: a 4-byte big-endian
// header length followed by the RLP header, then the RLP body. This framing
// is local to this node's gossip topic, not part of any canonical encoding.
func splitHeaderBody(data []byte) (header, body []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("gossip block message too short")
	}
	hLen := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < hLen {
		return nil, nil, fmt.Errorf("gossip block message truncated")
	}
	return data[4 : 4+hLen], data[4+hLen:], nil
}

// relayGossipTransactions decodes each gossiped message as a single RLP
// transaction (the mempool's own canonical wire format, reused here since
// the gossip layer itself is agnostic to payload shape) and offers it to
// the local pool.
func relayGossipTransactions(msgs <-chan p2p.Message, pool *mempool.Pool) {
	log := logging.L().WithField("component", "gossip-tx")
	for msg := range msgs {
		tx, err := rlpcodec.DecodeTransaction(msg.Data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed gossiped transaction")
			continue
		}
		for _, res := range pool.Add([]types.Transaction{tx}, types.OriginExternal, 0, 0) {
			if res.Err != nil {
				log.WithError(res.Err).Debug("gossiped transaction rejected")
			}
		}
	}
}

// relayGossipBlocks decodes each gossiped message as a header+body pair and
// offers it to the importer, updating the chain height gauge on success.
func relayGossipBlocks(msgs <-chan p2p.Message, importer *chain.Importer, validators types.ValidatorSet, params types.ChainParams, collector *metrics.Collector) {
	log := logging.L().WithField("component", "gossip-block")
	for msg := range msgs {
		block, err := decodeGossipBlock(msg.Data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed gossiped block")
			continue
		}
		result, err := importer.Import(block, validators, params)
		if err != nil {
			log.WithError(err).Warn("block import failed")
			collector.IncBlocksRejected()
			continue
		}
		if len(result.Invalid) > 0 {
			collector.IncBlocksRejected()
			continue
		}
		collector.IncBlocksImported()
		collector.SetChainHeight(block.Header.Number)
	}
}

// encodeGossipBlock frames a block the same way decodeGossipBlock expects to
// read one back: a 4-byte big-endian header length, the RLP header, then the
// RLP body. Evidences produced locally by the miner are always empty today
// (no double-vote detector feeds it yet), but the framing carries them
// regardless so a future detector needs no wire-format change.
func encodeGossipBlock(block types.Block) ([]byte, error) {
	header, err := rlpcodec.EncodeHeader(&block.Header)
	if err != nil {
		return nil, err
	}
	body, err := rlpcodec.EncodeBody(block.Transactions, block.Evidences)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(header)))
	out = append(out, header...)
	out = append(out, body...)
	return out, nil
}

// relayGossipVotes decodes each gossiped message as a prevote/precommit and
// folds it into the producer's engine, finalizing its pending proposal if
// the vote completes a precommit quorum (§4.6, §8 "Seal quorum").
func relayGossipVotes(msgs <-chan p2p.Message, producer *miner.Producer) {
	log := logging.L().WithField("component", "gossip-vote")
	for msg := range msgs {
		step, vote, err := miner.DecodeVoteMessage(msg.Data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed gossiped vote")
			continue
		}
		if err := producer.ReceiveVote(step, vote); err != nil {
			log.WithError(err).Debug("vote rejected")
		}
	}
}

func decodeGossipBlock(data []byte) (types.Block, error) {
	header, body, err := splitHeaderBody(data)
	if err != nil {
		return types.Block{}, err
	}
	h, err := rlpcodec.DecodeHeader(header)
	if err != nil {
		return types.Block{}, err
	}
	txs, evs, err := rlpcodec.DecodeBody(body)
	if err != nil {
		return types.Block{}, err
	}
	return types.Block{Header: h, Transactions: txs, Evidences: evs}, nil
}
