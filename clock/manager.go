package clock

import (
	"sync"
	"time"

	"github.com/hiveworks/swarmmem/core"
)

// PrunePolicy bounds clock growth by dropping entries for agents that have
// been inactive beyond the horizon. The local agent's entry is never pruned.
type PrunePolicy struct {
	// InactiveHorizon is how long an agent may stay silent before its entry
	// becomes prunable. Zero disables pruning.
	InactiveHorizon time.Duration
	// MaxEntries caps the clock size; when exceeded, the longest-inactive
	// entries are pruned first even inside the horizon. Zero means no cap.
	MaxEntries int
}

// Stats is a snapshot of clock activity.
type Stats struct {
	Entries     int       `json:"entries"`
	LocalTicks  uint64    `json:"localTicks"`
	Merges      uint64    `json:"merges"`
	Pruned      uint64    `json:"pruned"`
	LastPruneAt time.Time `json:"lastPruneAt"`
}

// Manager owns the local agent's vector clock. Every local mutation ticks
// only the local agent's counter; remote state folds in via Merge.
//
// Pruning an agent that later resumes is safe but lossy: its next delta
// re-enters the clock at whatever counter it carries, so a relation that was
// previously "before" may be observed as "concurrent" against the resumed
// agent. That is accepted staleness, not a correctness violation - un-pruned
// peers keep their relations intact.
type Manager struct {
	mu       sync.RWMutex
	agentID  string
	state    VectorClock
	lastSeen map[string]time.Time
	logger   core.Logger

	localTicks uint64
	merges     uint64
	pruned     uint64
	lastPrune  time.Time
}

// NewManager creates a clock manager for the given local agent.
func NewManager(agentID string) *Manager {
	return &Manager{
		agentID:  agentID,
		state:    VectorClock{},
		lastSeen: map[string]time.Time{agentID: time.Now()},
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this manager
func (m *Manager) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// AgentID returns the local agent id.
func (m *Manager) AgentID() string {
	return m.agentID
}

// Tick increments the local agent's counter and returns its new value.
func (m *Manager) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[m.agentID]++
	m.localTicks++
	m.lastSeen[m.agentID] = time.Now()
	return m.state[m.agentID]
}

// Stamp ticks the local counter and returns a copy of the resulting clock,
// suitable for attaching to an outgoing delta.
func (m *Manager) Stamp() VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[m.agentID]++
	m.localTicks++
	m.lastSeen[m.agentID] = time.Now()
	return m.state.Copy()
}

// Merge folds a remote clock into the local state, pointwise max.
func (m *Manager) Merge(remote VectorClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for agent, rc := range remote {
		if rc > m.state[agent] {
			m.state[agent] = rc
		}
		m.lastSeen[agent] = now
	}
	m.merges++
}

// Current returns a copy of the local clock state.
func (m *Manager) Current() VectorClock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Copy()
}

// Compare returns the causal relation between two clocks.
func (m *Manager) Compare(a, b VectorClock) Relation {
	return Compare(a, b)
}

// Prune removes clock entries for agents inactive beyond the policy horizon.
// Returns the number of entries removed.
func (m *Manager) Prune(policy PrunePolicy) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if policy.InactiveHorizon <= 0 && policy.MaxEntries <= 0 {
		return 0
	}

	now := time.Now()
	removed := 0
	if policy.InactiveHorizon > 0 {
		for agent := range m.state {
			if agent == m.agentID {
				continue
			}
			if seen, ok := m.lastSeen[agent]; !ok || now.Sub(seen) > policy.InactiveHorizon {
				delete(m.state, agent)
				delete(m.lastSeen, agent)
				removed++
			}
		}
	}

	if policy.MaxEntries > 0 && len(m.state) > policy.MaxEntries {
		type entry struct {
			agent string
			seen  time.Time
		}
		candidates := make([]entry, 0, len(m.state))
		for agent := range m.state {
			if agent == m.agentID {
				continue
			}
			candidates = append(candidates, entry{agent, m.lastSeen[agent]})
		}
		// Oldest first.
		for i := 0; i < len(candidates); i++ {
			for j := i + 1; j < len(candidates); j++ {
				if candidates[j].seen.Before(candidates[i].seen) {
					candidates[i], candidates[j] = candidates[j], candidates[i]
				}
			}
		}
		for _, c := range candidates {
			if len(m.state) <= policy.MaxEntries {
				break
			}
			delete(m.state, c.agent)
			delete(m.lastSeen, c.agent)
			removed++
		}
	}

	if removed > 0 {
		m.pruned += uint64(removed)
		m.lastPrune = now
		m.logger.Debug("Pruned clock entries", map[string]interface{}{
			"removed":   removed,
			"remaining": len(m.state),
		})
	}
	return removed
}

// Stats returns a snapshot of clock activity.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Entries:     len(m.state),
		LocalTicks:  m.localTicks,
		Merges:      m.merges,
		Pruned:      m.pruned,
		LastPruneAt: m.lastPrune,
	}
}
