// Package p2p is the supplemental gossip transport named in SPEC_FULL.md's
// domain stack: peer broadcast of transactions and blocks over libp2p's
// GossipSub, adapted from the teacher's core/network.go Node/pubsub/topics
// shape. The wire format carried inside a gossip message is an explicit
// non-goal (spec.md §1); this package only frames and transports whatever
// bytes the caller hands it (transactions and blocks are RLP-encoded via
// internal/rlpcodec first; votes travel as the miner's JSON envelope).
package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"foundry/internal/logging"
)

// Gossip topic names every Foundry node subscribes to.
const (
	TopicTransactions = "foundry/transactions/v1"
	TopicBlocks       = "foundry/blocks/v1"
	TopicVotes        = "foundry/votes/v1"
)

// Config configures a gossip Node.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
}

// Message is one gossip delivery.
type Message struct {
	From  string
	Topic string
	Data  []byte
}

// Node wraps one libp2p host running GossipSub.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic

	subLock sync.Mutex
	subs    map[string]*pubsub.Subscription
}

// NewNode creates and bootstraps a gossip node (§4.7's "Gossip" domain-stack
// entry): a libp2p host listening on cfg.ListenAddr, running GossipSub, and
// dialing cfg.BootstrapPeers.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	n := &Node{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logging.L().WithError(err).Warn("p2p: bootstrap dial had failures")
	}

	return n, nil
}

// HostID returns this node's libp2p peer ID.
func (n *Node) HostID() string { return n.host.ID().String() }

// DialSeed connects to every address in seeds, collecting (not aborting on)
// individual failures.
func (n *Node) DialSeed(seeds []string) error {
	var errs []error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid bootstrap addr %s: %w", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", addr, err))
			continue
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("p2p: %d of %d bootstrap dials failed: %v", len(errs), len(seeds), errs)
	}
	return nil
}

func (n *Node) joinTopic(name string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Broadcast publishes data on topic, joining it on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("p2p: publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of every message delivered on topic. The
// channel closes when the node shuts down or the subscription errors.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		t, err := n.joinTopic(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, err
		}
		var subErr error
		sub, subErr = t.Subscribe()
		if subErr != nil {
			n.subLock.Unlock()
			return nil, fmt.Errorf("p2p: subscribe to %s: %w", topic, subErr)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			out <- Message{From: msg.GetFrom().String(), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Close shuts the node down: cancels its context and closes the host.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
