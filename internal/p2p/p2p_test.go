package p2p

import "testing"

func newLoopbackNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNewNodeInvalidListenAddrFails(t *testing.T) {
	_, err := NewNode(Config{ListenAddr: "not-a-multiaddr"})
	if err == nil {
		t.Fatalf("expected an error for a malformed listen address")
	}
}

func TestHostIDIsStableAndNonEmpty(t *testing.T) {
	n := newLoopbackNode(t)
	id1 := n.HostID()
	id2 := n.HostID()
	if id1 == "" {
		t.Fatalf("expected a non-empty host ID")
	}
	if id1 != id2 {
		t.Fatalf("expected HostID to be stable, got %q then %q", id1, id2)
	}
}

func TestDialSeedReportsInvalidAddr(t *testing.T) {
	n := newLoopbackNode(t)
	err := n.DialSeed([]string{"definitely-not-a-peer-multiaddr"})
	if err == nil {
		t.Fatalf("expected DialSeed to report the malformed bootstrap address")
	}
}

func TestBroadcastJoinsTopicOnFirstUse(t *testing.T) {
	n := newLoopbackNode(t)
	if err := n.Broadcast(TopicTransactions, []byte("hello")); err != nil {
		t.Fatalf("broadcast on a fresh topic should succeed even with no peers: %v", err)
	}
	n.topicLock.Lock()
	_, joined := n.topics[TopicTransactions]
	n.topicLock.Unlock()
	if !joined {
		t.Fatalf("expected topic to be recorded after Broadcast")
	}
}
