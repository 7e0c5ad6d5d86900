// Package memory is the coordinator facade: it composes the vector clock
// manager, CRDT synchronizer, conflict resolver, shard manager, compressor
// and gossip protocol into one distributed memory for an agent swarm.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/compress"
	"github.com/hiveworks/swarmmem/conflict"
	"github.com/hiveworks/swarmmem/core"
	"github.com/hiveworks/swarmmem/crdt"
	"github.com/hiveworks/swarmmem/gossip"
	"github.com/hiveworks/swarmmem/sharding"
)

// rawEntry holds the competing candidates for a non-CRDT key. A resolved key
// has exactly one candidate; an unresolved semantic conflict retains all of
// them until a later write or merge settles it.
type rawEntry struct {
	candidates []conflict.Candidate
}

// Manager is the per-node coordinator for distributed agent memory. CRDT keys
// converge by algebra; raw keys go through the configured conflict strategy.
// All methods are safe for concurrent use.
type Manager struct {
	cfg  *core.Config
	self core.AgentNode

	clocks     *clock.Manager
	crdts      *crdt.Synchronizer
	resolver   *conflict.Resolver
	shards     *sharding.Manager
	protocol   *gossip.Protocol
	transport  gossip.Transport
	compressor *compress.Compressor
	dedup      *compress.DedupCache
	registry   core.NodeRegistry

	mu       sync.RWMutex
	raw      map[string]*rawEntry
	nodes    map[string]*core.AgentNode
	lastSync map[string]time.Time
	started  bool

	heartbeatCancel context.CancelFunc
	heartbeatWG     sync.WaitGroup

	logger    core.Logger
	telemetry core.Telemetry
}

// NewManager builds a coordinator from a validated configuration. Call
// SetTransport (and optionally SetRegistry, SetLogger, SetTelemetry) before
// Initialize.
func NewManager(cfg *core.Config) (*Manager, error) {
	if cfg == nil {
		return nil, &core.MemoryError{Op: "memory.NewManager", Kind: "memory",
			Err: core.ErrMissingConfiguration}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolver, err := conflict.NewResolver(conflict.Strategy(cfg.Conflict.Strategy))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		self:      core.AgentNode{AgentID: cfg.AgentID, Address: cfg.Address, JoinedAt: time.Now()},
		clocks:    clock.NewManager(cfg.AgentID),
		crdts:     crdt.NewSynchronizer(),
		resolver:  resolver,
		shards:    sharding.NewManager(cfg.Sharding, cfg.Topology.ReplicationFactor),
		raw:       make(map[string]*rawEntry),
		nodes:     make(map[string]*core.AgentNode),
		lastSync:  make(map[string]time.Time),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}

	if cfg.Compression.Enabled {
		compressor, err := compress.NewCompressor(compress.Algorithm(cfg.Compression.Algorithm))
		if err != nil {
			return nil, err
		}
		m.compressor = compressor
		if cfg.Compression.DedupCacheSize > 0 {
			dedup, err := compress.NewDedupCache(cfg.Compression.DedupCacheSize)
			if err != nil {
				return nil, err
			}
			m.dedup = dedup
		}
	}
	return m, nil
}

// SetLogger configures the logger for the manager and every component it owns
func (m *Manager) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	m.logger = logger
	m.clocks.SetLogger(logger)
	m.crdts.SetLogger(logger)
	m.resolver.SetLogger(logger)
	m.shards.SetLogger(logger)
	if m.compressor != nil {
		m.compressor.SetLogger(logger)
	}
	if m.protocol != nil {
		m.protocol.SetLogger(logger)
	}
}

// SetTelemetry configures telemetry for the manager
func (m *Manager) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		m.telemetry = telemetry
		if m.protocol != nil {
			m.protocol.SetTelemetry(telemetry)
		}
	}
}

// SetTransport wires the gossip transport. Must be called before Initialize.
func (m *Manager) SetTransport(t gossip.Transport) {
	m.transport = t
}

// SetRegistry wires an optional node registry for multi-process discovery.
func (m *Manager) SetRegistry(r core.NodeRegistry) {
	m.registry = r
}

// SetSemanticMerge installs a domain-specific merge function for the semantic
// conflict strategy.
func (m *Manager) SetSemanticMerge(fn conflict.SemanticMergeFunc) {
	m.resolver.SetSemanticMerge(fn)
}

// Initialize seeds the topology with the given nodes (the local node is added
// if absent), computes the first shard map and starts the gossip loop.
func (m *Manager) Initialize(ctx context.Context, nodes []*core.AgentNode) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return &core.MemoryError{Op: "Manager.Initialize", Kind: "memory", Err: core.ErrAlreadyStarted}
	}
	m.mu.Unlock()

	if m.transport == nil {
		return &core.MemoryError{Op: "Manager.Initialize", Kind: "memory",
			Err: fmt.Errorf("%w: no transport configured", core.ErrMissingConfiguration)}
	}

	hasSelf := false
	for _, n := range nodes {
		if n.AgentID == m.self.AgentID {
			hasSelf = true
			break
		}
	}
	if !hasSelf {
		self := m.self
		nodes = append(nodes, &self)
	}

	if err := m.shards.InitializeNodes(nodes); err != nil {
		return err
	}

	protocol, err := gossip.NewProtocol(m.self, m.cfg.Gossip, m.transport, m.clocks, m.mergeDeltas)
	if err != nil {
		return err
	}
	protocol.SetLogger(m.logger)
	protocol.SetTelemetry(m.telemetry)
	protocol.SetStateProvider(m.stateSnapshot)
	if m.compressor != nil {
		protocol.SetCompressor(m.compressor, m.dedup)
	}
	m.protocol = protocol

	m.mu.Lock()
	for _, n := range nodes {
		m.nodes[n.AgentID] = n
		if n.AgentID != m.self.AgentID {
			m.protocol.AddPeer(*n)
		}
	}
	m.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.Register(ctx, &m.self); err != nil {
			return err
		}
		hbCtx, cancel := context.WithCancel(context.Background())
		m.heartbeatCancel = cancel
		m.heartbeatWG.Add(1)
		go m.heartbeatLoop(hbCtx)
	}

	if err := m.protocol.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.logger.Info("Distributed memory initialized", map[string]interface{}{
		"agent_id": m.self.AgentID,
		"nodes":    len(nodes),
		"shards":   m.cfg.Sharding.ShardCount,
		"strategy": string(m.cfg.Conflict.Strategy),
	})
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.heartbeatWG.Done()
	interval := m.cfg.Registry.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.registry.Heartbeat(ctx, m.self.AgentID); err != nil {
				m.logger.Warn("Registry heartbeat failed", map[string]interface{}{
					"agent_id": m.self.AgentID,
					"error":    err.Error(),
				})
			}
		}
	}
}

// HandleMessage exposes the gossip handler for wiring into a transport server
// (HTTP mux or Redis Serve loop).
func (m *Manager) HandleMessage(ctx context.Context, msg *gossip.Message) (*gossip.Message, error) {
	if err := m.requireStarted(); err != nil {
		return nil, err
	}
	return m.protocol.HandleMessage(ctx, msg)
}

// AddAgent joins a node to the topology, rebalances shards and runs the
// resulting migrations. Ownership of a moving shard flips only after its
// transfer confirms.
func (m *Manager) AddAgent(ctx context.Context, node *core.AgentNode) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	if node == nil || node.AgentID == "" {
		return &core.MemoryError{Op: "Manager.AddAgent", Kind: "memory",
			Err: fmt.Errorf("%w: node with agent id required", core.ErrInvalidConfiguration)}
	}

	tasks, err := m.shards.NodeJoin(node)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes[node.AgentID] = node
	m.mu.Unlock()
	if node.AgentID != m.self.AgentID {
		m.protocol.AddPeer(*node)
	}

	return sharding.RunAll(ctx, tasks, m.transferShard,
		m.cfg.Sharding.MigrationRetries, m.cfg.Sharding.MigrationBackoff)
}

// RemoveAgent removes a node from the topology and migrates its shards to the
// surviving owners.
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	tasks, err := m.shards.NodeLeave(agentID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.nodes, agentID)
	delete(m.lastSync, agentID)
	m.mu.Unlock()
	m.protocol.RemovePeer(agentID)

	return sharding.RunAll(ctx, tasks, m.transferShard,
		m.cfg.Sharding.MigrationRetries, m.cfg.Sharding.MigrationBackoff)
}

// transferShard ships every key of a migrating shard to the destination as
// merge deltas over the gossip transport. The destination absorbs them like
// any other exchange.
func (m *Manager) transferShard(ctx context.Context, task *sharding.MigrationTask) error {
	m.mu.RLock()
	dest, ok := m.nodes[task.Destination]
	m.mu.RUnlock()
	if !ok {
		return &core.MemoryError{Op: "Manager.transferShard", Kind: "memory",
			Key: task.Destination, Err: core.ErrNodeNotFound}
	}
	if dest.AgentID == m.self.AgentID {
		return nil
	}

	deltas, err := m.collectDeltas(func(key string) bool {
		return m.shards.ShardForKey(key) == task.ShardID
	})
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	msg := gossip.NewMessage(m.self.AgentID, 1, deltas, m.clocks.Current())
	_, err = m.transport.Exchange(ctx, *dest, msg)
	return err
}

// collectDeltas renders the included keys as deltas: merge deltas for CRDT
// keys, one write delta per retained candidate for raw keys.
func (m *Manager) collectDeltas(include func(key string) bool) ([]crdt.Delta, error) {
	var deltas []crdt.Delta
	for _, key := range m.crdts.Keys() {
		if !include(key) {
			continue
		}
		c, ok := m.crdts.Get(key)
		if !ok {
			continue
		}
		d, err := crdt.NewMergeDelta(key, m.self.AgentID, m.clocks.Current(), c)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, entry := range m.raw {
		if !include(key) {
			continue
		}
		for _, cand := range entry.candidates {
			d, err := crdt.NewWriteDelta(key, cand.AgentID, cand.Clock, cand.Value)
			if err != nil {
				return nil, err
			}
			d.Timestamp = cand.Timestamp
			deltas = append(deltas, d)
		}
	}
	return deltas, nil
}

// stateSnapshot is the protocol's anti-entropy source: the full local state
// as deltas.
func (m *Manager) stateSnapshot(ctx context.Context) ([]crdt.Delta, error) {
	return m.collectDeltas(func(string) bool { return true })
}

// routeDelta queues a delta for the key's replica set, primary first, so the
// replication factor bounds initial placement; epidemic forwarding and
// anti-entropy cover the remaining nodes. Falls back to a full broadcast when
// the key cannot be located.
func (m *Manager) routeDelta(key string, delta crdt.Delta) {
	assignment, err := m.shards.Locate(key)
	if err != nil || len(assignment.Owners) == 0 {
		m.protocol.Broadcast(delta)
		return
	}
	m.protocol.BroadcastTo(delta, assignment.Owners)
}

// Apply performs a CRDT mutation on a key and gossips the updated state. The
// returned value is the key's merged value after the operation.
func (m *Manager) Apply(ctx context.Context, key string, op crdt.Operation) (interface{}, error) {
	if err := m.requireStarted(); err != nil {
		return nil, err
	}
	ctx, span := m.telemetry.StartSpan(ctx, "memory.apply")
	defer span.End()
	span.SetAttribute("key", key)

	stamp := m.clocks.Stamp()
	op.AgentID = m.self.AgentID
	op.Stamp = stamp
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixNano()
	}

	c, err := m.crdts.Apply(key, op)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	delta, err := crdt.NewMergeDelta(key, m.self.AgentID, stamp, c)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	m.routeDelta(key, delta)
	m.telemetry.RecordMetric("memory.writes", 1, map[string]string{"kind": "crdt"})
	return c.Value(), nil
}

// Write stores a raw (non-CRDT) value for a key. Competing values are settled
// by the configured conflict strategy; an unresolvable semantic conflict
// retains every candidate and surfaces ErrConflictUnresolved.
func (m *Manager) Write(ctx context.Context, key string, value interface{}) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	ctx, span := m.telemetry.StartSpan(ctx, "memory.write")
	defer span.End()
	span.SetAttribute("key", key)

	stamp := m.clocks.Stamp()
	cand := conflict.Candidate{
		Value:     value,
		Clock:     stamp,
		AgentID:   m.self.AgentID,
		Timestamp: time.Now().UnixNano(),
	}

	delta, err := crdt.NewWriteDelta(key, m.self.AgentID, stamp, value)
	if err != nil {
		span.RecordError(err)
		return err
	}

	resolveErr := m.absorbCandidate(key, cand)
	m.routeDelta(key, delta)
	m.telemetry.RecordMetric("memory.writes", 1, map[string]string{"kind": "raw"})
	if resolveErr != nil {
		span.RecordError(resolveErr)
	}
	return resolveErr
}

// absorbCandidate folds one candidate into a raw key's entry through the
// resolver. Unresolved conflicts keep every retained candidate.
func (m *Manager) absorbCandidate(key string, cand conflict.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.raw[key]
	if entry == nil {
		m.raw[key] = &rawEntry{candidates: []conflict.Candidate{cand}}
		return nil
	}

	candidates := append(append([]conflict.Candidate(nil), entry.candidates...), cand)
	res, err := m.resolver.Resolve(conflict.Context{Key: key, Candidates: candidates})
	if err != nil {
		if res.Unresolved {
			entry.candidates = res.Retained
		}
		return err
	}

	winner := conflict.Candidate{
		Value:     res.Winner,
		Clock:     mergedClock(candidates),
		AgentID:   provenanceOf(candidates, res.Winner),
		Timestamp: maxTimestamp(candidates),
	}
	entry.candidates = []conflict.Candidate{winner}
	return nil
}

// provenanceOf keeps the winning candidate's own agent id, so replicas that
// resolved the same candidate set store identical provenance and later
// tie-breaks stay deterministic across them. A merged value that matches no
// candidate takes the greatest candidate agent id.
func provenanceOf(candidates []conflict.Candidate, winner interface{}) string {
	w, _ := json.Marshal(winner)
	var match, fallback string
	for _, c := range candidates {
		v, _ := json.Marshal(c.Value)
		if bytes.Equal(v, w) && c.AgentID > match {
			match = c.AgentID
		}
		if c.AgentID > fallback {
			fallback = c.AgentID
		}
	}
	if match != "" {
		return match
	}
	return fallback
}

func mergedClock(candidates []conflict.Candidate) clock.VectorClock {
	out := clock.VectorClock{}
	for _, c := range candidates {
		out.Merge(c.Clock)
	}
	return out
}

func maxTimestamp(candidates []conflict.Candidate) int64 {
	var max int64
	for _, c := range candidates {
		if c.Timestamp > max {
			max = c.Timestamp
		}
	}
	return max
}

// ReadResult carries a read's value and its consistency annotations.
type ReadResult struct {
	Value interface{} `json:"value"`
	// Found is false when the key has never been written.
	Found bool `json:"found"`
	// Stale is set when a bounded-staleness read could not reach the shard
	// primary in time and served the local replica instead.
	Stale bool `json:"stale"`
	// Concurrent holds every retained value when a conflict is unresolved;
	// Value is then the first retained candidate.
	Concurrent []interface{} `json:"concurrent,omitempty"`
}

// Read returns a key's value under the topology's configured consistency
// level. Eventual consistency serves the local replica; bounded staleness
// first forces a synchronous exchange with the key's shard primary when the
// replica has not synced within the staleness bound, falling back to the
// local value flagged stale when the primary cannot be reached.
func (m *Manager) Read(ctx context.Context, key string) (ReadResult, error) {
	return m.ReadWithConsistency(ctx, key, m.cfg.Topology.ConsistencyLevel)
}

// ReadWithConsistency is Read with a per-call consistency level overriding
// the topology default.
func (m *Manager) ReadWithConsistency(ctx context.Context, key string, level core.ConsistencyLevel) (ReadResult, error) {
	if err := m.requireStarted(); err != nil {
		return ReadResult{}, err
	}
	switch level {
	case core.ConsistencyEventual, core.ConsistencyBoundedStaleness:
	default:
		return ReadResult{}, &core.MemoryError{Op: "Manager.Read", Kind: "memory", Key: key,
			Err: fmt.Errorf("%w: consistency level %q", core.ErrInvalidConfiguration, level)}
	}
	ctx, span := m.telemetry.StartSpan(ctx, "memory.read")
	defer span.End()
	span.SetAttribute("key", key)

	result := ReadResult{}
	if level == core.ConsistencyBoundedStaleness {
		result.Stale = m.ensureFreshness(ctx, key)
	}

	if c, ok := m.crdts.Get(key); ok {
		result.Value = c.Value()
		result.Found = true
		return result, nil
	}

	m.mu.RLock()
	entry := m.raw[key]
	if entry != nil && len(entry.candidates) > 0 {
		result.Found = true
		result.Value = entry.candidates[0].Value
		if len(entry.candidates) > 1 {
			for _, c := range entry.candidates {
				result.Concurrent = append(result.Concurrent, c.Value)
			}
		}
	}
	m.mu.RUnlock()
	return result, nil
}

// ensureFreshness syncs with the key's shard primary when the last exchange
// is older than the staleness bound. Returns true when the read must be
// flagged stale.
func (m *Manager) ensureFreshness(ctx context.Context, key string) bool {
	assignment, err := m.shards.Locate(key)
	if err != nil {
		return true
	}
	primary := assignment.Primary()
	if primary == "" || primary == m.self.AgentID {
		return false
	}

	m.mu.RLock()
	last := m.lastSync[primary]
	m.mu.RUnlock()
	bound := m.cfg.Topology.StalenessBound
	if bound > 0 && time.Since(last) <= bound {
		return false
	}

	if err := m.protocol.SyncWithPeer(ctx, primary); err != nil {
		m.logger.Debug("Bounded staleness sync failed, serving local replica", map[string]interface{}{
			"key":     key,
			"primary": primary,
			"error":   err.Error(),
		})
		return true
	}
	m.mu.Lock()
	m.lastSync[primary] = time.Now()
	m.mu.Unlock()
	return false
}

// Delete removes a key from local state. CRDT keys are dropped outright; the
// removal does not propagate (agents re-learn the key if a peer still gossips
// it), so Delete is a local reclamation, not a distributed tombstone.
func (m *Manager) Delete(key string) {
	m.crdts.Drop(key)
	m.mu.Lock()
	delete(m.raw, key)
	m.mu.Unlock()
}

// mergeDeltas is the gossip merge callback: it applies inbound deltas to the
// synchronizer or the raw store and advances the vector clock.
func (m *Manager) mergeDeltas(ctx context.Context, deltas []crdt.Delta, from string) error {
	var firstErr error
	for _, d := range deltas {
		switch d.Kind {
		case crdt.DeltaMerge:
			c, err := d.DecodeCRDT()
			if err == nil {
				_, err = m.crdts.Merge(d.Key, c)
			}
			if err != nil {
				m.logger.Warn("Rejected inbound merge delta", map[string]interface{}{
					"key":   d.Key,
					"from":  from,
					"error": err.Error(),
				})
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		case crdt.DeltaWrite:
			v, err := d.DecodeValue()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			cand := conflict.Candidate{Value: v, Clock: d.Clock, AgentID: d.AgentID, Timestamp: d.Timestamp}
			if err := m.absorbCandidate(d.Key, cand); err != nil {
				// Unresolved conflicts retain candidates; not a merge failure.
				m.logger.Debug("Inbound write retained as unresolved conflict", map[string]interface{}{
					"key":  d.Key,
					"from": from,
				})
			}
		default:
			continue
		}
		m.clocks.Merge(d.Clock)
	}
	m.mu.Lock()
	m.lastSync[from] = time.Now()
	m.mu.Unlock()
	return firstErr
}

// PruneClocks trims inactive agents from the vector clock.
func (m *Manager) PruneClocks(policy clock.PrunePolicy) int {
	return m.clocks.Prune(policy)
}

// EmergencyCleanup discards queued gossip deltas and unresolved conflict
// candidates, keeping only settled state. Meant for memory-pressure recovery;
// anti-entropy exchanges re-fill anything a peer still holds.
func (m *Manager) EmergencyCleanup(reason string) {
	dropped := 0
	if m.protocol != nil {
		dropped = m.protocol.DropPending()
	}
	trimmed := 0
	m.mu.Lock()
	for _, entry := range m.raw {
		if len(entry.candidates) > 1 {
			entry.candidates = entry.candidates[:1]
			trimmed++
		}
	}
	m.mu.Unlock()

	m.logger.Warn("Emergency cleanup executed", map[string]interface{}{
		"reason":            reason,
		"dropped_deltas":    dropped,
		"trimmed_conflicts": trimmed,
	})
	m.telemetry.RecordMetric("memory.emergency_cleanups", 1, map[string]string{"reason": reason})
}

// Shutdown stops gossip, deregisters from the registry and releases caches.
// The manager cannot be restarted after shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return &core.MemoryError{Op: "Manager.Shutdown", Kind: "memory", Err: core.ErrNotInitialized}
	}
	m.started = false
	m.mu.Unlock()

	if m.protocol != nil {
		m.protocol.Stop()
	}
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatWG.Wait()
	}
	var err error
	if m.registry != nil {
		err = m.registry.Unregister(ctx, m.self.AgentID)
	}
	if m.dedup != nil {
		m.dedup.Close()
	}
	m.logger.Info("Distributed memory shut down", map[string]interface{}{
		"agent_id": m.self.AgentID,
	})
	return err
}

func (m *Manager) requireStarted() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return &core.MemoryError{Op: "memory", Kind: "memory", Err: core.ErrNotInitialized}
	}
	return nil
}
