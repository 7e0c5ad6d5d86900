package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/core"
	"github.com/hiveworks/swarmmem/crdt"
	"github.com/hiveworks/swarmmem/gossip"
)

// newTestManager builds a started manager wired to the in-process fabric.
// The gossip interval is huge so tests drive rounds manually.
func newTestManager(t *testing.T, fabric *gossip.MemoryTransport, agentID string, members []string, opts ...core.Option) *Manager {
	t.Helper()
	base := []core.Option{
		core.WithAgentID(agentID),
		core.WithGossipInterval(time.Hour),
	}
	cfg, err := core.NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	m, err := NewManager(cfg)
	require.NoError(t, err)
	m.SetTransport(fabric)

	nodes := make([]*core.AgentNode, len(members))
	for i, id := range members {
		nodes[i] = &core.AgentNode{AgentID: id}
	}
	require.NoError(t, m.Initialize(context.Background(), nodes))
	fabric.Register(agentID, m.HandleMessage)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManagerRequiresTransport(t *testing.T) {
	cfg, err := core.NewConfig(core.WithAgentID("agent-a"))
	require.NoError(t, err)
	m, err := NewManager(cfg)
	require.NoError(t, err)

	err = m.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestOperationsRequireInitialize(t *testing.T) {
	cfg, err := core.NewConfig(core.WithAgentID("agent-a"))
	require.NoError(t, err)
	m, err := NewManager(cfg)
	require.NoError(t, err)

	_, err = m.Read(context.Background(), "k")
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	err = m.Write(context.Background(), "k", "v")
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestDoubleInitializeRejected(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	err := m.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrAlreadyStarted)
}

func TestApplyAndReadCRDT(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	v, err := m.Apply(ctx, "hits", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	res, err := m.Read(ctx, "hits")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, int64(1), res.Value)
}

func TestApplyPropagatesThroughGossip(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	a := newTestManager(t, fabric, "agent-a", members)
	b := newTestManager(t, fabric, "agent-b", members)
	ctx := context.Background()

	_, err := a.Apply(ctx, "hits", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)
	_, err = b.Apply(ctx, "hits", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)

	a.protocol.RunRound(ctx)
	b.protocol.RunRound(ctx)

	ra, err := a.Read(ctx, "hits")
	require.NoError(t, err)
	rb, err := b.Read(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ra.Value, "concurrent increments must both survive")
	assert.Equal(t, int64(2), rb.Value)
}

func TestClusterConvergesAcrossRounds(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := make([]string, 6)
	for i := range members {
		members[i] = fmt.Sprintf("agent-%d", i)
	}
	managers := make([]*Manager, len(members))
	for i, id := range members {
		managers[i] = newTestManager(t, fabric, id, members)
	}
	ctx := context.Background()

	for _, m := range managers {
		_, err := m.Apply(ctx, "tasks_done", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
		require.NoError(t, err)
	}

	want := int64(len(managers))
	converged := false
	for pass := 0; pass < 12 && !converged; pass++ {
		for _, m := range managers {
			m.protocol.RunRound(ctx)
		}
		converged = true
		for _, m := range managers {
			res, err := m.Read(ctx, "tasks_done")
			require.NoError(t, err)
			if !res.Found || res.Value != want {
				converged = false
				break
			}
		}
	}
	require.True(t, converged, "replicas did not agree within the round budget")
}

func TestWritesRouteToReplicaOwners(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b", "agent-c"}
	m := newTestManager(t, fabric, "agent-a", members,
		core.WithTopology(core.TopologyMesh, 1))
	ctx := context.Background()

	// With replication factor 1 every key has exactly one owner.
	var remote, local string
	for i := 0; i < 512 && (remote == "" || local == ""); i++ {
		key := fmt.Sprintf("task-%d", i)
		assignment, err := m.shards.Locate(key)
		require.NoError(t, err)
		switch assignment.Primary() {
		case "agent-a":
			if local == "" {
				local = key
			}
		case "agent-b":
			if remote == "" {
				remote = key
			}
		}
	}
	require.NotEmpty(t, remote)
	require.NotEmpty(t, local)

	require.NoError(t, m.Write(ctx, remote, "payload"))
	assert.Equal(t, 1, m.protocol.Stats().PendingDeltas, "delta must queue for the owner only")

	require.NoError(t, m.Write(ctx, local, "payload"))
	assert.Equal(t, 1, m.protocol.Stats().PendingDeltas, "self-owned key must not queue for peers")
}

func TestApplyTypeMismatchRejected(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	_, err := m.Apply(ctx, "k", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)
	_, err = m.Apply(ctx, "k", crdt.Operation{CRDTType: crdt.TypeORSet, Kind: crdt.OpAdd, Element: "x"})
	assert.ErrorIs(t, err, core.ErrTypeMismatch)
}

func TestRawWriteLastWriteWins(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "goal", "explore"))
	require.NoError(t, m.Write(ctx, "goal", "exploit"))

	res, err := m.Read(ctx, "goal")
	require.NoError(t, err)
	assert.Equal(t, "exploit", res.Value, "causally later local write must win")
	assert.Empty(t, res.Concurrent)
}

func TestInboundWriteDeltaResolved(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "goal", "local"))
	// A remote write that causally dominates the local one.
	vc := m.clocks.Current()
	vc["agent-b"] = 1
	d, err := crdt.NewWriteDelta("goal", "agent-b", vc, "remote")
	require.NoError(t, err)
	require.NoError(t, m.mergeDeltas(ctx, []crdt.Delta{d}, "agent-b"))

	res, err := m.Read(ctx, "goal")
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Value)
}

func TestResolvedWinnerKeepsOriginAgent(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "goal", "local"))
	d, err := crdt.NewWriteDelta("goal", "agent-z", clock.VectorClock{"agent-z": 1}, "remote")
	require.NoError(t, err)
	d.Timestamp = time.Now().Add(time.Hour).UnixNano()
	require.NoError(t, m.mergeDeltas(ctx, []crdt.Delta{d}, "agent-z"))

	m.mu.RLock()
	entry := m.raw["goal"]
	m.mu.RUnlock()
	require.Len(t, entry.candidates, 1)
	assert.Equal(t, "remote", entry.candidates[0].Value)
	assert.Equal(t, "agent-z", entry.candidates[0].AgentID, "winner must keep its origin agent id")
}

func TestUnresolvedConflictRetainsCandidates(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"},
		core.WithConflictStrategy("semantic"))
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "plan", "text-a"))
	d, err := crdt.NewWriteDelta("plan", "agent-b", clock.VectorClock{"agent-b": 1}, "text-b")
	require.NoError(t, err)
	require.NoError(t, m.mergeDeltas(ctx, []crdt.Delta{d}, "agent-b"))

	res, err := m.Read(ctx, "plan")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Len(t, res.Concurrent, 2, "unresolvable conflict must retain every candidate")

	metrics := m.GetMemoryMetrics()
	assert.Equal(t, 1, metrics.UnresolvedKeys)
}

func TestSemanticMergeResolvesSlices(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"},
		core.WithConflictStrategy("semantic"))
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "tags", []interface{}{"a", "b"}))
	d, err := crdt.NewWriteDelta("tags", "agent-b", clock.VectorClock{"agent-b": 1}, []interface{}{"b", "c"})
	require.NoError(t, err)
	require.NoError(t, m.mergeDeltas(ctx, []crdt.Delta{d}, "agent-b"))

	res, err := m.Read(ctx, "tags")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{"a", "b", "c"}, res.Value)
}

func TestBoundedStalenessReadSyncsWithPrimary(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	a := newTestManager(t, fabric, "agent-a", members,
		core.WithConsistency(core.ConsistencyBoundedStaleness, time.Hour))
	b := newTestManager(t, fabric, "agent-b", members,
		core.WithConsistency(core.ConsistencyBoundedStaleness, time.Hour))
	ctx := context.Background()

	// Find a key whose shard primary is the remote node.
	var key string
	for i := 0; i < 512; i++ {
		candidate := fmt.Sprintf("task-%d", i)
		assignment, err := a.shards.Locate(candidate)
		require.NoError(t, err)
		if assignment.Primary() == "agent-b" {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key, "no key with remote primary found")

	_, err := b.Apply(ctx, key, crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)

	// The forced sync pulls b's pending delta before answering.
	res, err := a.Read(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, int64(1), res.Value)
}

func TestBoundedStalenessFallsBackStale(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	a := newTestManager(t, fabric, "agent-a", members,
		core.WithConsistency(core.ConsistencyBoundedStaleness, time.Hour))
	_ = newTestManager(t, fabric, "agent-b", members,
		core.WithConsistency(core.ConsistencyBoundedStaleness, time.Hour))
	ctx := context.Background()

	var key string
	for i := 0; i < 512; i++ {
		candidate := fmt.Sprintf("task-%d", i)
		assignment, err := a.shards.Locate(candidate)
		require.NoError(t, err)
		if assignment.Primary() == "agent-b" {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key)

	fabric.SetReachable("agent-b", false)
	res, err := a.Read(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Stale, "unreachable primary must flag the read as stale")
}

func TestReadWithConsistencyOverride(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	a := newTestManager(t, fabric, "agent-a", members)
	_ = newTestManager(t, fabric, "agent-b", members)
	ctx := context.Background()

	var key string
	for i := 0; i < 512; i++ {
		candidate := fmt.Sprintf("task-%d", i)
		assignment, err := a.shards.Locate(candidate)
		require.NoError(t, err)
		if assignment.Primary() == "agent-b" {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key)
	fabric.SetReachable("agent-b", false)

	// The topology default is eventual: local replica, never stale.
	res, err := a.Read(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Stale)

	res, err = a.ReadWithConsistency(ctx, key, core.ConsistencyBoundedStaleness)
	require.NoError(t, err)
	assert.True(t, res.Stale, "per-call bound must attempt the primary sync")

	_, err = a.ReadWithConsistency(ctx, key, "linearizable")
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestAddAndRemoveAgent(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	a := newTestManager(t, fabric, "agent-a", members)
	_ = newTestManager(t, fabric, "agent-b", members)
	ctx := context.Background()

	require.NoError(t, a.AddAgent(ctx, &core.AgentNode{AgentID: "agent-c"}))
	assert.Equal(t, 3, a.shards.Stats().Nodes)

	require.NoError(t, a.RemoveAgent(ctx, "agent-c"))
	assert.Equal(t, 2, a.shards.Stats().Nodes)
	for _, assignment := range a.shards.Map().Shards {
		for _, owner := range assignment.Owners {
			assert.NotEqual(t, "agent-c", owner)
		}
	}
}

func TestDeleteRemovesLocalState(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	_, err := m.Apply(ctx, "k", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)
	m.Delete("k")

	res, err := m.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestEmergencyCleanup(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	members := []string{"agent-a", "agent-b"}
	m := newTestManager(t, fabric, "agent-a", members,
		core.WithConflictStrategy("semantic"))
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "plan", "text-a"))
	d, err := crdt.NewWriteDelta("plan", "agent-b", clock.VectorClock{"agent-b": 1}, "text-b")
	require.NoError(t, err)
	require.NoError(t, m.mergeDeltas(ctx, []crdt.Delta{d}, "agent-b"))
	require.Equal(t, 1, m.GetMemoryMetrics().UnresolvedKeys)

	m.EmergencyCleanup("memory pressure")

	assert.Equal(t, 0, m.GetMemoryMetrics().UnresolvedKeys)
	assert.Equal(t, 0, m.protocol.Stats().PendingDeltas)
}

func TestShutdownStopsOperations(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	cfg, err := core.NewConfig(core.WithAgentID("agent-a"), core.WithGossipInterval(time.Hour))
	require.NoError(t, err)
	m, err := NewManager(cfg)
	require.NoError(t, err)
	m.SetTransport(fabric)
	require.NoError(t, m.Initialize(context.Background(), nil))

	require.NoError(t, m.Shutdown(context.Background()))
	err = m.Write(context.Background(), "k", "v")
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	assert.ErrorIs(t, m.Shutdown(context.Background()), core.ErrNotInitialized)
}

func TestGetStatsComposite(t *testing.T) {
	fabric := gossip.NewMemoryTransport()
	m := newTestManager(t, fabric, "agent-a", []string{"agent-a"})
	ctx := context.Background()

	_, err := m.Apply(ctx, "hits", crdt.Operation{CRDTType: crdt.TypeGCounter, Kind: crdt.OpIncrement})
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, "goal", "explore"))

	stats := m.GetStats()
	assert.Equal(t, "agent-a", stats.AgentID)
	assert.Equal(t, 1, stats.Memory.CRDTKeys)
	assert.Equal(t, 1, stats.Memory.RawKeys)
	assert.Equal(t, uint64(1), stats.Sync.Synchronizer.Applied)
	assert.GreaterOrEqual(t, stats.Memory.Clock.LocalTicks, uint64(2))
	assert.Equal(t, 64, stats.Sharding.Shards)
}
