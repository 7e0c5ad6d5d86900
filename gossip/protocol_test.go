package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/compress"
	"github.com/hiveworks/swarmmem/core"
	"github.com/hiveworks/swarmmem/crdt"
)

type testNode struct {
	id       string
	protocol *Protocol
	clocks   *clock.Manager

	mu       sync.Mutex
	received []crdt.Delta
}

func (n *testNode) merge(ctx context.Context, deltas []crdt.Delta, from string) error {
	n.mu.Lock()
	n.received = append(n.received, deltas...)
	n.mu.Unlock()
	return nil
}

func (n *testNode) receivedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, len(n.received))
	for i, d := range n.received {
		keys[i] = d.Key
	}
	return keys
}

func testGossipConfig() core.GossipConfig {
	return core.GossipConfig{
		Fanout:           3,
		GossipInterval:   time.Hour, // rounds driven manually
		MaxTTL:           5,
		RoundTimeout:     time.Second,
		SuspectRounds:    2,
		MaxPendingDeltas: 100,
	}
}

func newTestNode(t *testing.T, id string, fabric *MemoryTransport, cfg core.GossipConfig) *testNode {
	t.Helper()
	n := &testNode{id: id, clocks: clock.NewManager(id)}
	p, err := NewProtocol(core.AgentNode{AgentID: id}, cfg, fabric, n.clocks, n.merge)
	require.NoError(t, err)
	n.protocol = p
	fabric.Register(id, p.HandleMessage)
	return n
}

func connect(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a.id != b.id {
				a.protocol.AddPeer(core.AgentNode{AgentID: b.id})
			}
		}
	}
}

func testDelta(t *testing.T, key, agent string) crdt.Delta {
	t.Helper()
	c := crdt.NewGCounter()
	c.Increment(agent, 1)
	d, err := crdt.NewMergeDelta(key, agent, clock.VectorClock{agent: 1}, c)
	require.NoError(t, err)
	return d
}

func TestBroadcastReachesPeerInOneRound(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	a.protocol.Broadcast(testDelta(t, "goal", "agent-a"))
	a.protocol.RunRound(context.Background())

	assert.Equal(t, []string{"goal"}, b.receivedKeys())
	assert.Equal(t, uint64(1), a.protocol.Stats().DeltasSent)
	assert.Equal(t, uint64(1), b.protocol.Stats().DeltasReceived)
}

func TestPushPullCarriesReplyDeltas(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	a.protocol.Broadcast(testDelta(t, "from-a", "agent-a"))
	b.protocol.Broadcast(testDelta(t, "from-b", "agent-b"))

	// One exchange initiated by a must deliver both directions.
	a.protocol.RunRound(context.Background())

	assert.Equal(t, []string{"from-a"}, b.receivedKeys())
	assert.Equal(t, []string{"from-b"}, a.receivedKeys())
}

func TestForwardingDecrementsTTL(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	c := newTestNode(t, "agent-c", fabric, cfg)
	connect(a, b, c)

	d := testDelta(t, "rumor", "agent-a")

	// Deliver to b with the last hop spent: b must not forward to c.
	msg := NewMessage("agent-a", 1, []crdt.Delta{d}, a.clocks.Current())
	_, err := b.protocol.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"rumor"}, b.receivedKeys())

	b.protocol.RunRound(context.Background())
	assert.Empty(t, c.receivedKeys(), "TTL-exhausted delta must not propagate")
}

func TestForwardingWithRemainingTTL(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	c := newTestNode(t, "agent-c", fabric, testGossipConfig())
	connect(a, b, c)

	d := testDelta(t, "rumor", "agent-a")
	msg := NewMessage("agent-a", 3, []crdt.Delta{d}, a.clocks.Current())
	_, err := b.protocol.HandleMessage(context.Background(), msg)
	require.NoError(t, err)

	b.protocol.RunRound(context.Background())
	assert.Equal(t, []string{"rumor"}, c.receivedKeys())
}

func TestExpiredMessageRejected(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())

	msg := NewMessage("agent-x", 0, nil, nil)
	_, err := a.protocol.HandleMessage(context.Background(), msg)
	assert.ErrorIs(t, err, core.ErrMessageExpired)
}

func TestSuspicionLadder(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	fabric.SetReachable("agent-b", false)
	for i := 0; i < cfg.SuspectRounds; i++ {
		a.protocol.RunRound(context.Background())
	}
	assert.Equal(t, core.NodeStatusSuspect, a.protocol.PeerStatus("agent-b"))

	for i := 0; i < cfg.SuspectRounds; i++ {
		a.protocol.RunRound(context.Background())
	}
	assert.Equal(t, core.NodeStatusRemoved, a.protocol.PeerStatus("agent-b"))

	// A removed peer is out of the candidate pool: rounds stop failing.
	failed := a.protocol.Stats().FailedExchanges
	a.protocol.RunRound(context.Background())
	assert.Equal(t, failed, a.protocol.Stats().FailedExchanges)
}

func TestSuspectPeerRecoversOnSuccess(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	fabric.SetReachable("agent-b", false)
	for i := 0; i < cfg.SuspectRounds; i++ {
		a.protocol.RunRound(context.Background())
	}
	require.Equal(t, core.NodeStatusSuspect, a.protocol.PeerStatus("agent-b"))

	fabric.SetReachable("agent-b", true)
	a.protocol.RunRound(context.Background())
	assert.Equal(t, core.NodeStatusActive, a.protocol.PeerStatus("agent-b"))
}

func TestRemovedPeerRecoversOnInboundMessage(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	fabric.SetReachable("agent-b", false)
	for i := 0; i < 2*cfg.SuspectRounds; i++ {
		a.protocol.RunRound(context.Background())
	}
	require.Equal(t, core.NodeStatusRemoved, a.protocol.PeerStatus("agent-b"))

	// The recovered peer speaks first: that alone restores it.
	fabric.SetReachable("agent-b", true)
	msg := NewMessage("agent-b", 2, []crdt.Delta{testDelta(t, "liveness", "agent-b")}, b.clocks.Current())
	_, err := a.protocol.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusActive, a.protocol.PeerStatus("agent-b"))

	// Back in the candidate pool: the next round reaches it again.
	a.protocol.Broadcast(testDelta(t, "resumed", "agent-a"))
	a.protocol.RunRound(context.Background())
	assert.Contains(t, b.receivedKeys(), "resumed")
}

func TestBroadcastToTargetsNamedPeersOnly(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	c := newTestNode(t, "agent-c", fabric, testGossipConfig())
	connect(a, b, c)

	// Self and unknown ids are dropped, only agent-b gets the delta.
	a.protocol.BroadcastTo(testDelta(t, "owned", "agent-a"), []string{"agent-b", "agent-a", "ghost"})
	assert.Equal(t, 1, a.protocol.Stats().PendingDeltas)

	a.protocol.RunRound(context.Background())
	assert.Equal(t, []string{"owned"}, b.receivedKeys())
	assert.Empty(t, c.receivedKeys())
}

func TestFailedExchangeRequeuesDeltas(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	a.protocol.Broadcast(testDelta(t, "durable", "agent-a"))

	fabric.SetReachable("agent-b", false)
	a.protocol.RunRound(context.Background())
	assert.Empty(t, b.receivedKeys())

	fabric.SetReachable("agent-b", true)
	a.protocol.RunRound(context.Background())
	assert.Equal(t, []string{"durable"}, b.receivedKeys())
}

func TestCompressedExchange(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	cfg.CompressionThreshold = 32
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	compA, err := compress.NewCompressor(compress.AlgorithmGzip)
	require.NoError(t, err)
	compB, err := compress.NewCompressor(compress.AlgorithmGzip)
	require.NoError(t, err)
	a.protocol.SetCompressor(compA, nil)
	b.protocol.SetCompressor(compB, nil)

	a.protocol.Broadcast(testDelta(t, "compressed-key", "agent-a"))
	a.protocol.RunRound(context.Background())

	assert.Equal(t, []string{"compressed-key"}, b.receivedKeys())
	assert.Equal(t, uint64(1), compA.Stats().Compressed)
	assert.Equal(t, uint64(1), compB.Stats().Decompressed)
}

func TestDedupSkipsRepeatedDeltas(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	dedup, err := compress.NewDedupCache(100)
	require.NoError(t, err)
	defer dedup.Close()
	comp, err := compress.NewCompressor(compress.AlgorithmNone)
	require.NoError(t, err)
	b.protocol.SetCompressor(comp, dedup)

	d := testDelta(t, "repeat", "agent-a")
	msg1 := NewMessage("agent-a", 2, []crdt.Delta{d}, nil)
	_, err = b.protocol.HandleMessage(context.Background(), msg1)
	require.NoError(t, err)

	// Ristretto admission is asynchronous; wait for the mark to land.
	deadline := time.Now().Add(time.Second)
	for !dedup.Seen(d.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	msg2 := NewMessage("agent-c", 2, []crdt.Delta{d}, nil)
	_, err = b.protocol.HandleMessage(context.Background(), msg2)
	require.NoError(t, err)

	assert.Equal(t, []string{"repeat"}, b.receivedKeys(), "duplicate delta must be absorbed once")
	assert.Equal(t, uint64(1), b.protocol.Stats().DeltasDeduped)
}

func TestCorruptBlobFailsExchangeNotNode(t *testing.T) {
	comp, err := compress.NewCompressor(compress.AlgorithmGzip)
	require.NoError(t, err)

	msg := NewMessage("agent-a", 2, []crdt.Delta{testDelta(t, "k", "agent-a")}, nil)
	require.NoError(t, msg.CompressDeltas(comp, 1))
	require.NotNil(t, msg.Compressed)
	msg.Compressed.Data = []byte("corrupted")

	_, err = msg.ExtractDeltas(comp)
	assert.ErrorIs(t, err, core.ErrCompressionFailure)
}

func TestAdaptiveModeTightensOnDivergence(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	cfg.AdaptiveGossip = true
	cfg.GossipInterval = time.Second
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	// b's clock is ahead, so a observes divergence and tightens its loop.
	b.clocks.Tick()
	base := a.protocol.Stats()
	a.protocol.RunRound(context.Background())
	after := a.protocol.Stats()
	assert.Less(t, after.IntervalMs, base.IntervalMs)
}

func TestAdaptiveModeRelaxesOnConvergence(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	cfg.AdaptiveGossip = true
	cfg.GossipInterval = time.Second
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	base := a.protocol.Stats()
	a.protocol.RunRound(context.Background())
	after := a.protocol.Stats()
	assert.Greater(t, after.IntervalMs, base.IntervalMs)
	assert.LessOrEqual(t, after.Fanout, base.Fanout)
}

func TestAntiEntropyExchangesSnapshot(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	// Without a state provider the sync is a no-op.
	a.protocol.RunAntiEntropy(context.Background())
	assert.Equal(t, uint64(0), a.protocol.Stats().SyncRounds)

	a.protocol.SetStateProvider(func(ctx context.Context) ([]crdt.Delta, error) {
		return []crdt.Delta{testDelta(t, "full-state", "agent-a")}, nil
	})
	a.protocol.RunAntiEntropy(context.Background())

	assert.Equal(t, []string{"full-state"}, b.receivedKeys())
	assert.Equal(t, uint64(1), a.protocol.Stats().SyncRounds)
}

func TestAntiEntropyRepairsDroppedDeltas(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	b := newTestNode(t, "agent-b", fabric, testGossipConfig())
	connect(a, b)

	d := testDelta(t, "lost", "agent-a")
	a.protocol.SetStateProvider(func(ctx context.Context) ([]crdt.Delta, error) {
		return []crdt.Delta{d}, nil
	})

	a.protocol.Broadcast(d)
	require.Equal(t, 1, a.protocol.DropPending())
	a.protocol.RunRound(context.Background())
	require.Empty(t, b.receivedKeys())

	a.protocol.RunAntiEntropy(context.Background())
	assert.Equal(t, []string{"lost"}, b.receivedKeys())
}

func TestSyncIntervalDrivesAntiEntropy(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)

	a.protocol.SetStateProvider(func(ctx context.Context) ([]crdt.Delta, error) {
		return []crdt.Delta{testDelta(t, "periodic", "agent-a")}, nil
	})
	require.NoError(t, a.protocol.Start(context.Background()))
	defer a.protocol.Stop()

	assert.Eventually(t, func() bool {
		return a.protocol.Stats().SyncRounds > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.receivedKeys(), "periodic")
}

func TestStartStopLifecycle(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())

	ctx := context.Background()
	require.NoError(t, a.protocol.Start(ctx))
	assert.ErrorIs(t, a.protocol.Start(ctx), core.ErrAlreadyStarted)
	a.protocol.Stop()
	// Stop is idempotent.
	a.protocol.Stop()
}

func TestSyncWithUnknownPeer(t *testing.T) {
	fabric := NewMemoryTransport()
	a := newTestNode(t, "agent-a", fabric, testGossipConfig())
	err := a.protocol.SyncWithPeer(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrNodeNotFound)
}

func TestPendingQueueBounded(t *testing.T) {
	fabric := NewMemoryTransport()
	cfg := testGossipConfig()
	cfg.MaxPendingDeltas = 3
	a := newTestNode(t, "agent-a", fabric, cfg)
	b := newTestNode(t, "agent-b", fabric, cfg)
	connect(a, b)
	_ = b

	for i := 0; i < 10; i++ {
		a.protocol.Broadcast(testDelta(t, "k", "agent-a"))
	}
	assert.Equal(t, 3, a.protocol.Stats().PendingDeltas)
	assert.Equal(t, uint64(7), a.protocol.Stats().DeltasExpired)
}
