package gossip

import (
	"sync"

	"github.com/hiveworks/swarmmem/core"
)

// suspicion tracks consecutive exchange failures per peer. A peer climbs the
// ladder active -> suspect -> removed; a single successful exchange drops it
// back to active. Removed peers stay known so a later recovery or explicit
// re-add can restore them.
type suspicion struct {
	mu            sync.Mutex
	strikes       map[string]int
	status        map[string]core.NodeStatus
	suspectRounds int
}

func newSuspicion(suspectRounds int) *suspicion {
	if suspectRounds < 1 {
		suspectRounds = 3
	}
	return &suspicion{
		strikes:       make(map[string]int),
		status:        make(map[string]core.NodeStatus),
		suspectRounds: suspectRounds,
	}
}

func (s *suspicion) track(agentID string) {
	s.mu.Lock()
	if _, ok := s.status[agentID]; !ok {
		s.status[agentID] = core.NodeStatusActive
	}
	s.mu.Unlock()
}

func (s *suspicion) forget(agentID string) {
	s.mu.Lock()
	delete(s.strikes, agentID)
	delete(s.status, agentID)
	s.mu.Unlock()
}

// fail records a failed exchange and returns the peer's new status.
func (s *suspicion) fail(agentID string) core.NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strikes[agentID]++
	switch {
	case s.strikes[agentID] >= 2*s.suspectRounds:
		s.status[agentID] = core.NodeStatusRemoved
	case s.strikes[agentID] >= s.suspectRounds:
		s.status[agentID] = core.NodeStatusSuspect
	}
	return s.status[agentID]
}

// succeed clears the peer's strikes and restores it to active.
func (s *suspicion) succeed(agentID string) {
	s.mu.Lock()
	delete(s.strikes, agentID)
	s.status[agentID] = core.NodeStatusActive
	s.mu.Unlock()
}

func (s *suspicion) statusOf(agentID string) core.NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[agentID]; ok {
		return st
	}
	return core.NodeStatusActive
}

// candidates filters the peer list down to gossip targets. Suspect peers stay
// eligible (they get a chance to recover); removed peers do not.
func (s *suspicion) candidates(peers []core.AgentNode) []core.AgentNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AgentNode, 0, len(peers))
	for _, p := range peers {
		if s.status[p.AgentID] == core.NodeStatusRemoved {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *suspicion) counts() (active, suspect, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.status {
		switch st {
		case core.NodeStatusSuspect:
			suspect++
		case core.NodeStatusRemoved:
			removed++
		default:
			active++
		}
	}
	return
}
