package memory

import (
	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/compress"
	"github.com/hiveworks/swarmmem/conflict"
	"github.com/hiveworks/swarmmem/crdt"
	"github.com/hiveworks/swarmmem/gossip"
	"github.com/hiveworks/swarmmem/sharding"
)

// MemoryMetrics summarizes the local replica's state.
type MemoryMetrics struct {
	CRDTKeys       int `json:"crdtKeys"`
	RawKeys        int `json:"rawKeys"`
	UnresolvedKeys int `json:"unresolvedKeys"`

	Clock       clock.Stats     `json:"clock"`
	Compression *compress.Stats `json:"compression,omitempty"`
}

// SyncStats groups the convergence-facing counters.
type SyncStats struct {
	Gossip       gossip.Stats           `json:"gossip"`
	Synchronizer crdt.SyncStats         `json:"synchronizer"`
	Resolver     conflict.ResolverStats `json:"resolver"`
}

// Stats is the full coordinator snapshot.
type Stats struct {
	AgentID  string         `json:"agentId"`
	Memory   MemoryMetrics  `json:"memory"`
	Sync     SyncStats      `json:"sync"`
	Sharding sharding.Stats `json:"sharding"`
}

// GetMemoryMetrics reports key counts, clock state and compression activity.
func (m *Manager) GetMemoryMetrics() MemoryMetrics {
	metrics := MemoryMetrics{
		CRDTKeys: len(m.crdts.Keys()),
		Clock:    m.clocks.Stats(),
	}
	m.mu.RLock()
	metrics.RawKeys = len(m.raw)
	for _, entry := range m.raw {
		if len(entry.candidates) > 1 {
			metrics.UnresolvedKeys++
		}
	}
	m.mu.RUnlock()
	if m.compressor != nil {
		s := m.compressor.Stats()
		metrics.Compression = &s
	}
	return metrics
}

// GetSynchronizationStats reports gossip, synchronizer and resolver counters.
func (m *Manager) GetSynchronizationStats() SyncStats {
	s := SyncStats{
		Synchronizer: m.crdts.Stats(),
		Resolver:     m.resolver.Stats(),
	}
	if m.protocol != nil {
		s.Gossip = m.protocol.Stats()
	}
	return s
}

// GetStats returns the full coordinator snapshot.
func (m *Manager) GetStats() Stats {
	return Stats{
		AgentID:  m.self.AgentID,
		Memory:   m.GetMemoryMetrics(),
		Sync:     m.GetSynchronizationStats(),
		Sharding: m.shards.Stats(),
	}
}
