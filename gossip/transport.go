package gossip

import (
	"context"
	"sync"

	"github.com/hiveworks/swarmmem/core"
)

// Handler processes an inbound gossip message and returns the reply carrying
// the receiver's own outstanding deltas (push-pull exchange).
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Transport delivers a gossip exchange to a peer and returns its reply.
// Implementations: MemoryTransport (in-process), HTTPTransport, RedisTransport.
type Transport interface {
	Exchange(ctx context.Context, peer core.AgentNode, msg *Message) (*Message, error)
}

// MemoryTransport is an in-process fabric connecting protocol instances by
// agent id. Used by tests and single-process swarms; also the reference
// implementation for transport semantics.
type MemoryTransport struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	unreachable map[string]bool
}

// NewMemoryTransport creates an empty fabric.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers:    make(map[string]Handler),
		unreachable: make(map[string]bool),
	}
}

// Register attaches a node's handler to the fabric.
func (t *MemoryTransport) Register(agentID string, h Handler) {
	t.mu.Lock()
	t.handlers[agentID] = h
	t.mu.Unlock()
}

// Unregister detaches a node from the fabric.
func (t *MemoryTransport) Unregister(agentID string) {
	t.mu.Lock()
	delete(t.handlers, agentID)
	t.mu.Unlock()
}

// SetReachable simulates a partition for tests: an unreachable node's
// exchanges fail with ErrPeerUnreachable.
func (t *MemoryTransport) SetReachable(agentID string, reachable bool) {
	t.mu.Lock()
	if reachable {
		delete(t.unreachable, agentID)
	} else {
		t.unreachable[agentID] = true
	}
	t.mu.Unlock()
}

// Exchange invokes the peer's handler in-process.
func (t *MemoryTransport) Exchange(ctx context.Context, peer core.AgentNode, msg *Message) (*Message, error) {
	t.mu.RLock()
	h := t.handlers[peer.AgentID]
	down := t.unreachable[peer.AgentID]
	t.mu.RUnlock()

	if h == nil || down {
		return nil, &core.MemoryError{Op: "MemoryTransport.Exchange", Kind: "gossip",
			Key: peer.AgentID, Err: core.ErrPeerUnreachable}
	}
	select {
	case <-ctx.Done():
		return nil, &core.MemoryError{Op: "MemoryTransport.Exchange", Kind: "gossip",
			Key: peer.AgentID, Err: core.ErrTimeout}
	default:
	}
	return h(ctx, msg)
}
