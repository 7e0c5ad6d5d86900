package sharding

import (
	"fmt"
	"sync"

	"github.com/hiveworks/swarmmem/core"
)

// Assignment is the ordered owner set of one shard, primary first.
type Assignment struct {
	ShardID int      `json:"shardId"`
	Owners  []string `json:"owners"`
}

// Primary returns the shard's primary owner.
func (a Assignment) Primary() string {
	if len(a.Owners) == 0 {
		return ""
	}
	return a.Owners[0]
}

// ShardMap is the authoritative assignment of shards to nodes. Instances are
// immutable snapshots: the manager swaps in a fresh map on rebalance, so
// readers observe either the pre- or post-rebalance mapping, never a torn
// intermediate state.
type ShardMap struct {
	Version int          `json:"version"`
	Shards  []Assignment `json:"shards"`
}

// Covered verifies the coverage invariant: every shard has exactly one
// primary and no duplicate owners.
func (sm *ShardMap) Covered() bool {
	for _, a := range sm.Shards {
		if len(a.Owners) == 0 {
			return false
		}
		seen := make(map[string]bool, len(a.Owners))
		for _, o := range a.Owners {
			if o == "" || seen[o] {
				return false
			}
			seen[o] = true
		}
	}
	return true
}

// Stats is a snapshot of sharding activity.
type Stats struct {
	Shards              int `json:"shards"`
	Nodes               int `json:"nodes"`
	MapVersion          int `json:"mapVersion"`
	Rebalances          int `json:"rebalances"`
	MigrationsEmitted   int `json:"migrationsEmitted"`
	MigrationsCompleted int `json:"migrationsCompleted"`
	MigrationsFailed    int `json:"migrationsFailed"`
}

// hybridBands partitions the key space by leading byte class before hashing,
// giving related keys locality on a sub-range of shards.
const hybridBands = 4

// Manager owns the shard map. It is the single writer: rebalances mutate a
// scratch copy and publish it atomically, while Locate reads the current
// snapshot without blocking writers.
type Manager struct {
	strategy     core.PartitionStrategy
	shardCount   int
	replication  int
	virtualNodes int

	mu      sync.RWMutex
	ring    *ring
	nodes   map[string]*core.AgentNode
	current *ShardMap

	rebalances          int
	migrationsEmitted   int
	migrationsCompleted int
	migrationsFailed    int

	logger core.Logger
}

// NewManager creates a sharding manager. replicationFactor owners are placed
// per shard, fewer when the cluster is smaller.
func NewManager(cfg core.ShardingConfig, replicationFactor int) *Manager {
	return &Manager{
		strategy:     cfg.Strategy,
		shardCount:   cfg.ShardCount,
		replication:  replicationFactor,
		virtualNodes: cfg.VirtualNodes,
		ring:         newRing(cfg.VirtualNodes),
		nodes:        make(map[string]*core.AgentNode),
		current:      &ShardMap{},
		logger:       &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this manager
func (m *Manager) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// InitializeNodes seeds the ring with the initial membership and computes the
// first shard map.
func (m *Manager) InitializeNodes(nodes []*core.AgentNode) error {
	if len(nodes) == 0 {
		return &core.MemoryError{Op: "sharding.InitializeNodes", Kind: "shard", Err: core.ErrNoNodesAvailable}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.nodes[n.AgentID] = n
		m.ring.add(n.AgentID)
	}
	m.current = m.computeMap(m.current.Version + 1)
	m.logger.Info("Shard map initialized", map[string]interface{}{
		"shards": m.shardCount,
		"nodes":  len(m.nodes),
	})
	return nil
}

// ShardForKey maps a key to its shard id under the configured strategy.
func (m *Manager) ShardForKey(key string) int {
	if m.strategy == core.PartitionHybrid && m.shardCount >= hybridBands && key != "" {
		perBand := m.shardCount / hybridBands
		band := int(key[0]) % hybridBands
		return band*perBand + int(hashKey(key))%perBand
	}
	return int(hashKey(key)) % m.shardCount
}

// Locate returns the ordered replica set for a key, primary first.
func (m *Manager) Locate(key string) (Assignment, error) {
	m.mu.RLock()
	sm := m.current
	m.mu.RUnlock()
	shard := m.ShardForKey(key)
	if shard >= len(sm.Shards) {
		return Assignment{}, &core.MemoryError{Op: "sharding.Locate", Kind: "shard", Key: key, Err: core.ErrShardNotFound}
	}
	return sm.Shards[shard], nil
}

// Map returns the current shard map snapshot.
func (m *Manager) Map() *ShardMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// computeMap derives a shard map from the current ring. Caller holds mu.
func (m *Manager) computeMap(version int) *ShardMap {
	rf := m.replication
	if n := m.ring.size(); rf > n {
		rf = n
	}
	sm := &ShardMap{Version: version, Shards: make([]Assignment, m.shardCount)}
	for s := 0; s < m.shardCount; s++ {
		owners := m.ring.locate(hashKey(fmt.Sprintf("shard-%d", s)), rf)
		sm.Shards[s] = Assignment{ShardID: s, Owners: owners}
	}
	return sm
}

// NodeJoin adds a node to the ring and computes the migrations needed. Shards
// whose ownership did not change keep their assignment untouched; changed
// shards keep serving from the old owners until their MigrationTask confirms.
func (m *Manager) NodeJoin(node *core.AgentNode) ([]*MigrationTask, error) {
	if node == nil || node.AgentID == "" {
		return nil, &core.MemoryError{Op: "sharding.NodeJoin", Kind: "shard",
			Err: fmt.Errorf("%w: node with agent id required", core.ErrInvalidConfiguration)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[node.AgentID] != nil {
		return nil, &core.MemoryError{Op: "sharding.NodeJoin", Kind: "shard", Key: node.AgentID, Err: core.ErrNodeAlreadyExists}
	}
	m.nodes[node.AgentID] = node
	m.ring.add(node.AgentID)
	return m.rebalanceLocked()
}

// NodeLeave removes a node and computes the migrations needed.
func (m *Manager) NodeLeave(agentID string) ([]*MigrationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[agentID] == nil {
		return nil, &core.MemoryError{Op: "sharding.NodeLeave", Kind: "shard", Key: agentID, Err: core.ErrNodeNotFound}
	}
	delete(m.nodes, agentID)
	m.ring.remove(agentID)
	if m.ring.size() == 0 {
		m.current = &ShardMap{Version: m.current.Version + 1}
		return nil, nil
	}
	return m.rebalanceLocked()
}

// rebalanceLocked diffs the current map against the ring-derived target and
// emits one MigrationTask per changed shard. Unchanged shards are published
// immediately; changed shards stay at their old owners until confirmed.
func (m *Manager) rebalanceLocked() ([]*MigrationTask, error) {
	target := m.computeMap(m.current.Version + 1)
	published := &ShardMap{Version: target.Version, Shards: make([]Assignment, m.shardCount)}

	var tasks []*MigrationTask
	for s := 0; s < m.shardCount; s++ {
		var old Assignment
		if s < len(m.current.Shards) {
			old = m.current.Shards[s]
		}
		next := target.Shards[s]
		if old.Primary() == "" || sameOwners(old.Owners, next.Owners) {
			published.Shards[s] = next
			continue
		}
		// Ownership remains at the source until migration confirms.
		published.Shards[s] = Assignment{ShardID: s, Owners: old.Owners}
		tasks = append(tasks, &MigrationTask{
			ShardID:     s,
			Source:      old.Primary(),
			Destination: next.Primary(),
			newOwners:   next.Owners,
			manager:     m,
		})
	}
	m.current = published
	m.rebalances++
	m.migrationsEmitted += len(tasks)
	m.logger.Info("Rebalance computed", map[string]interface{}{
		"version":    published.Version,
		"migrations": len(tasks),
		"nodes":      len(m.nodes),
	})
	return tasks, nil
}

// commit publishes the post-migration owners for one shard.
func (m *Manager) commit(shardID int, owners []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := &ShardMap{Version: m.current.Version + 1, Shards: make([]Assignment, len(m.current.Shards))}
	copy(next.Shards, m.current.Shards)
	next.Shards[shardID] = Assignment{ShardID: shardID, Owners: owners}
	m.current = next
	m.migrationsCompleted++
}

func (m *Manager) failMigration() {
	m.mu.Lock()
	m.migrationsFailed++
	m.mu.Unlock()
}

func sameOwners(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of sharding activity.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Shards:              m.shardCount,
		Nodes:               len(m.nodes),
		MapVersion:          m.current.Version,
		Rebalances:          m.rebalances,
		MigrationsEmitted:   m.migrationsEmitted,
		MigrationsCompleted: m.migrationsCompleted,
		MigrationsFailed:    m.migrationsFailed,
	}
}
