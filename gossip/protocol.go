package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/compress"
	"github.com/hiveworks/swarmmem/core"
	"github.com/hiveworks/swarmmem/crdt"
)

// MergeFunc applies a batch of inbound deltas to local state. from is the
// agent id of the exchange peer, not necessarily the delta's originator.
type MergeFunc func(ctx context.Context, deltas []crdt.Delta, from string) error

// StateFunc snapshots the full local state as deltas. The protocol calls it
// on each anti-entropy sync.
type StateFunc func(ctx context.Context) ([]crdt.Delta, error)

// Stats is a point-in-time snapshot of protocol counters.
type Stats struct {
	Rounds          uint64 `json:"rounds"`
	SyncRounds      uint64 `json:"syncRounds"`
	Exchanges       uint64 `json:"exchanges"`
	FailedExchanges uint64 `json:"failedExchanges"`
	DeltasSent      uint64 `json:"deltasSent"`
	DeltasReceived  uint64 `json:"deltasReceived"`
	DeltasExpired   uint64 `json:"deltasExpired"`
	DeltasDeduped   uint64 `json:"deltasDeduped"`
	PendingDeltas   int    `json:"pendingDeltas"`
	ActivePeers     int    `json:"activePeers"`
	SuspectPeers    int    `json:"suspectPeers"`
	RemovedPeers    int    `json:"removedPeers"`
	Fanout          int    `json:"fanout"`
	IntervalMs      int64  `json:"intervalMs"`
}

// pendingItem is a delta queued for a peer, carrying the remaining hop budget.
type pendingItem struct {
	delta crdt.Delta
	ttl   int
}

// Protocol runs the epidemic dissemination loop for one node. Each round it
// picks fanout peers from the live candidate pool, sends each its outstanding
// deltas, and merges the deltas carried back in the reply (push-pull). Deltas
// received with remaining TTL are re-queued for the other peers, decremented
// by one hop.
type Protocol struct {
	self      core.AgentNode
	cfg       core.GossipConfig
	transport Transport
	clocks    *clock.Manager
	merge     MergeFunc
	state     StateFunc

	compressor *compress.Compressor
	dedup      *compress.DedupCache

	mu         sync.Mutex
	peers      map[string]core.AgentNode
	pending    map[string][]pendingItem
	plainSend  map[string]bool
	fanout     int
	interval   time.Duration
	stats      Stats
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	rng        *rand.Rand

	suspicion *suspicion
	logger    core.Logger
	telemetry core.Telemetry
}

// NewProtocol wires a protocol instance. merge must be non-nil; the manager
// passes its synchronizer's apply path here.
func NewProtocol(self core.AgentNode, cfg core.GossipConfig, transport Transport, clocks *clock.Manager, merge MergeFunc) (*Protocol, error) {
	if transport == nil || clocks == nil || merge == nil {
		return nil, &core.MemoryError{Op: "gossip.NewProtocol", Kind: "gossip",
			Err: fmt.Errorf("%w: transport, clocks and merge are required", core.ErrMissingConfiguration)}
	}
	if cfg.Fanout < 1 {
		cfg.Fanout = 3
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = 5 * time.Second
	}
	if cfg.MaxTTL < 1 {
		cfg.MaxTTL = 10
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = cfg.GossipInterval
	}
	if cfg.MaxPendingDeltas < 1 {
		cfg.MaxPendingDeltas = 4096
	}
	return &Protocol{
		self:      self,
		cfg:       cfg,
		transport: transport,
		clocks:    clocks,
		merge:     merge,
		peers:     make(map[string]core.AgentNode),
		pending:   make(map[string][]pendingItem),
		plainSend: make(map[string]bool),
		fanout:    cfg.Fanout,
		interval:  cfg.GossipInterval,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		suspicion: newSuspicion(cfg.SuspectRounds),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}, nil
}

// SetLogger configures the logger for this protocol
func (p *Protocol) SetLogger(logger core.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetTelemetry configures telemetry for this protocol
func (p *Protocol) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		p.telemetry = telemetry
	}
}

// SetStateProvider installs the snapshot source for periodic anti-entropy
// syncs. Without one the sync ticker is inert.
func (p *Protocol) SetStateProvider(fn StateFunc) {
	p.mu.Lock()
	p.state = fn
	p.mu.Unlock()
}

// SetCompressor enables wire compression above the configured threshold and
// fingerprint dedup of already-seen deltas.
func (p *Protocol) SetCompressor(c *compress.Compressor, dedup *compress.DedupCache) {
	p.mu.Lock()
	p.compressor = c
	p.dedup = dedup
	p.mu.Unlock()
}

// AddPeer makes a peer eligible for gossip rounds.
func (p *Protocol) AddPeer(node core.AgentNode) {
	p.mu.Lock()
	p.peers[node.AgentID] = node
	p.mu.Unlock()
	p.suspicion.track(node.AgentID)
}

// RemovePeer drops a peer and its queued deltas.
func (p *Protocol) RemovePeer(agentID string) {
	p.mu.Lock()
	delete(p.peers, agentID)
	delete(p.pending, agentID)
	delete(p.plainSend, agentID)
	p.mu.Unlock()
	p.suspicion.forget(agentID)
}

// PeerStatus reports the liveness the protocol currently assigns to a peer.
func (p *Protocol) PeerStatus(agentID string) core.NodeStatus {
	return p.suspicion.statusOf(agentID)
}

// Broadcast queues a locally originated delta for every known peer with the
// full TTL budget.
func (p *Protocol) Broadcast(delta crdt.Delta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.peers {
		p.enqueueLocked(id, pendingItem{delta: delta, ttl: p.cfg.MaxTTL})
	}
}

// BroadcastTo queues a locally originated delta for the named peers only,
// with the full TTL budget. Ids that are not known peers (including the local
// agent) are skipped.
func (p *Protocol) BroadcastTo(delta crdt.Delta, peerIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range peerIDs {
		if _, ok := p.peers[id]; !ok {
			continue
		}
		p.enqueueLocked(id, pendingItem{delta: delta, ttl: p.cfg.MaxTTL})
	}
}

// enqueueLocked appends to a peer's queue, dropping the oldest item when the
// bound is hit. Oldest-first drop keeps the freshest state flowing; CRDT
// merges make the loss safe, anti-entropy sync covers the gap.
func (p *Protocol) enqueueLocked(peerID string, item pendingItem) {
	q := p.pending[peerID]
	if len(q) >= p.cfg.MaxPendingDeltas {
		q = q[1:]
		p.stats.DeltasExpired++
	}
	p.pending[peerID] = append(q, item)
}

// Start launches the gossip loop. Idempotent start is an error so callers
// notice double wiring.
func (p *Protocol) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return &core.MemoryError{Op: "Protocol.Start", Kind: "gossip", Err: core.ErrAlreadyStarted}
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(runCtx)
	p.logger.Info("Gossip protocol started", map[string]interface{}{
		"agent_id": p.self.AgentID,
		"fanout":   p.cfg.Fanout,
		"interval": p.cfg.GossipInterval.String(),
		"adaptive": p.cfg.AdaptiveGossip,
	})
	return nil
}

// Stop cancels the loop and waits for the in-flight round to finish.
func (p *Protocol) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("Gossip protocol stopped", map[string]interface{}{
		"agent_id": p.self.AgentID,
	})
}

func (p *Protocol) loop(ctx context.Context) {
	defer p.wg.Done()
	var syncC <-chan time.Time
	if p.cfg.SyncInterval > 0 {
		syncTicker := time.NewTicker(p.cfg.SyncInterval)
		defer syncTicker.Stop()
		syncC = syncTicker.C
	}
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-syncC:
			timer.Stop()
			p.RunAntiEntropy(ctx)
			continue
		case <-timer.C:
		}
		p.RunRound(ctx)
	}
}

// RunRound executes one gossip round: select fanout targets, exchange with
// each, merge replies. Exposed so tests and the sync path can drive rounds
// without the timer.
func (p *Protocol) RunRound(ctx context.Context) {
	ctx, span := p.telemetry.StartSpan(ctx, "gossip.round")
	defer span.End()

	p.mu.Lock()
	p.stats.Rounds++
	all := make([]core.AgentNode, 0, len(p.peers))
	for _, n := range p.peers {
		all = append(all, n)
	}
	fanout := p.fanout
	p.mu.Unlock()

	targets := p.pickTargets(all, fanout)
	span.SetAttribute("targets", len(targets))

	converged := 0
	for _, peer := range targets {
		diverged, err := p.exchangeWith(ctx, peer)
		if err != nil {
			continue
		}
		if !diverged {
			converged++
		}
	}
	if p.cfg.AdaptiveGossip && len(targets) > 0 {
		p.adapt(converged == len(targets))
	}
}

// pickTargets samples up to fanout peers from the live candidate pool.
func (p *Protocol) pickTargets(all []core.AgentNode, fanout int) []core.AgentNode {
	candidates := p.suspicion.candidates(all)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].AgentID < candidates[j].AgentID })

	p.mu.Lock()
	p.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	p.mu.Unlock()

	if len(candidates) > fanout {
		candidates = candidates[:fanout]
	}
	return candidates
}

// exchangeWith performs one push-pull exchange. Returns whether the peer's
// digest showed divergence from our clock.
func (p *Protocol) exchangeWith(ctx context.Context, peer core.AgentNode) (diverged bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	defer cancel()

	p.mu.Lock()
	items := p.pending[peer.AgentID]
	p.pending[peer.AgentID] = nil
	plain := p.plainSend[peer.AgentID]
	delete(p.plainSend, peer.AgentID)
	p.mu.Unlock()

	deltas := make([]crdt.Delta, 0, len(items))
	minTTL := p.cfg.MaxTTL
	for _, it := range items {
		if it.ttl <= 0 {
			p.mu.Lock()
			p.stats.DeltasExpired++
			p.mu.Unlock()
			continue
		}
		deltas = append(deltas, it.delta)
		if it.ttl < minTTL {
			minTTL = it.ttl
		}
	}

	msg := NewMessage(p.self.AgentID, minTTL, deltas, p.clocks.Current())
	if !plain && p.compressor != nil && p.cfg.CompressionThreshold > 0 {
		if cerr := msg.CompressDeltas(p.compressor, p.cfg.CompressionThreshold); cerr != nil {
			// Send uncompressed rather than dropping the batch.
			p.logger.Warn("Compression failed, sending plain", map[string]interface{}{
				"peer":  peer.AgentID,
				"error": cerr.Error(),
			})
		}
	}

	reply, err := p.transport.Exchange(ctx, peer, msg)
	if err != nil {
		p.requeue(peer.AgentID, items)
		status := p.suspicion.fail(peer.AgentID)
		p.mu.Lock()
		p.stats.FailedExchanges++
		p.mu.Unlock()
		if isCompressionFailure(err) {
			// Peer could not decompress; resend this batch uncompressed.
			p.mu.Lock()
			p.plainSend[peer.AgentID] = true
			p.mu.Unlock()
		}
		p.logger.Debug("Gossip exchange failed", map[string]interface{}{
			"peer":   peer.AgentID,
			"status": string(status),
			"error":  err.Error(),
		})
		p.telemetry.RecordMetric("gossip.exchange.failures", 1, map[string]string{"peer": peer.AgentID})
		return false, err
	}

	p.suspicion.succeed(peer.AgentID)
	p.mu.Lock()
	p.stats.Exchanges++
	p.stats.DeltasSent += uint64(len(deltas))
	p.mu.Unlock()

	if reply == nil {
		return false, nil
	}
	if reply.Digest != nil {
		diverged = p.clocks.Compare(p.clocks.Current(), reply.Digest) != clock.Equal
		p.clocks.Merge(reply.Digest)
	}
	if err := p.absorb(ctx, reply, peer.AgentID); err != nil {
		return diverged, err
	}
	return diverged, nil
}

// requeue puts a failed batch back at the head of the peer's queue.
func (p *Protocol) requeue(peerID string, items []pendingItem) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	p.pending[peerID] = append(items, p.pending[peerID]...)
	if over := len(p.pending[peerID]) - p.cfg.MaxPendingDeltas; over > 0 {
		p.pending[peerID] = p.pending[peerID][over:]
		p.stats.DeltasExpired += uint64(over)
	}
	p.mu.Unlock()
}

// absorb merges a message's deltas into local state and forwards the ones
// with remaining hop budget to the other peers.
func (p *Protocol) absorb(ctx context.Context, msg *Message, from string) error {
	deltas, err := msg.ExtractDeltas(p.compressor)
	if err != nil {
		if isCompressionFailure(err) {
			// Ask the sender for a plain resend on the next exchange.
			p.mu.Lock()
			p.plainSend[from] = true
			p.mu.Unlock()
		}
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	fresh := deltas[:0]
	for _, d := range deltas {
		if p.dedup != nil && d.ID != "" {
			if p.dedup.Seen(d.ID) {
				p.mu.Lock()
				p.stats.DeltasDeduped++
				p.mu.Unlock()
				continue
			}
			p.dedup.Mark(d.ID)
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := p.merge(ctx, fresh, from); err != nil {
		p.logger.Error("Failed to merge gossip deltas", map[string]interface{}{
			"from":  from,
			"count": len(fresh),
			"error": err.Error(),
		})
		return err
	}
	p.mu.Lock()
	p.stats.DeltasReceived += uint64(len(fresh))
	p.mu.Unlock()

	// Forward with one hop consumed. TTL 1 means this was the last hop.
	if msg.TTL > 1 {
		p.mu.Lock()
		for id := range p.peers {
			if id == from || id == msg.SenderID {
				continue
			}
			for _, d := range fresh {
				p.enqueueLocked(id, pendingItem{delta: d, ttl: msg.TTL - 1})
			}
		}
		p.mu.Unlock()
	}
	return nil
}

// HandleMessage is the inbound half of the push-pull exchange: absorb the
// sender's deltas, then reply with everything queued for it plus our digest.
func (p *Protocol) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, &core.MemoryError{Op: "Protocol.HandleMessage", Kind: "gossip",
			Err: errors.New("nil message")}
	}
	if msg.TTL <= 0 {
		return nil, &core.MemoryError{Op: "Protocol.HandleMessage", Kind: "gossip",
			Err: core.ErrMessageExpired}
	}

	// An inbound message proves the sender is alive again, even when it had
	// climbed to removed.
	p.mu.Lock()
	_, known := p.peers[msg.SenderID]
	p.mu.Unlock()
	if known {
		p.suspicion.succeed(msg.SenderID)
	}

	if err := p.absorb(ctx, msg, msg.SenderID); err != nil {
		return nil, err
	}
	if msg.Digest != nil {
		p.clocks.Merge(msg.Digest)
	}

	p.mu.Lock()
	items := p.pending[msg.SenderID]
	p.pending[msg.SenderID] = nil
	plain := msg.Plain || p.plainSend[msg.SenderID]
	delete(p.plainSend, msg.SenderID)
	p.mu.Unlock()

	deltas := make([]crdt.Delta, 0, len(items))
	minTTL := p.cfg.MaxTTL
	for _, it := range items {
		if it.ttl <= 0 {
			continue
		}
		deltas = append(deltas, it.delta)
		if it.ttl < minTTL {
			minTTL = it.ttl
		}
	}

	reply := NewMessage(p.self.AgentID, minTTL, deltas, p.clocks.Current())
	if !plain && p.compressor != nil && p.cfg.CompressionThreshold > 0 {
		if err := reply.CompressDeltas(p.compressor, p.cfg.CompressionThreshold); err != nil {
			p.logger.Warn("Reply compression failed, sending plain", map[string]interface{}{
				"peer":  msg.SenderID,
				"error": err.Error(),
			})
		}
	}
	p.mu.Lock()
	p.stats.Exchanges++
	p.stats.DeltasSent += uint64(len(deltas))
	p.mu.Unlock()
	return reply, nil
}

// SyncWithPeer runs a blocking exchange with one peer, used by
// bounded-staleness reads to force anti-entropy before answering.
func (p *Protocol) SyncWithPeer(ctx context.Context, agentID string) error {
	p.mu.Lock()
	peer, ok := p.peers[agentID]
	p.mu.Unlock()
	if !ok {
		return &core.MemoryError{Op: "Protocol.SyncWithPeer", Kind: "gossip",
			Key: agentID, Err: core.ErrNodeNotFound}
	}
	_, err := p.exchangeWith(ctx, peer)
	return err
}

// RunAntiEntropy exchanges a full state snapshot with one random live peer
// and merges whatever it sends back. The periodic full exchange repairs what
// the per-round delta flow lost to expired queues, emergency cleanup or long
// partitions. Exposed so tests and callers can force a sync without the
// timer.
func (p *Protocol) RunAntiEntropy(ctx context.Context) {
	p.mu.Lock()
	fn := p.state
	all := make([]core.AgentNode, 0, len(p.peers))
	for _, n := range p.peers {
		all = append(all, n)
	}
	p.mu.Unlock()
	if fn == nil {
		return
	}
	targets := p.pickTargets(all, 1)
	if len(targets) == 0 {
		return
	}
	peer := targets[0]

	ctx, span := p.telemetry.StartSpan(ctx, "gossip.anti_entropy")
	defer span.End()
	span.SetAttribute("peer", peer.AgentID)

	deltas, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("State snapshot for anti-entropy failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	defer cancel()

	// TTL 1: a snapshot is point-to-point, the receiver must not re-flood it.
	msg := NewMessage(p.self.AgentID, 1, deltas, p.clocks.Current())
	p.mu.Lock()
	plain := p.plainSend[peer.AgentID]
	delete(p.plainSend, peer.AgentID)
	p.mu.Unlock()
	if !plain && p.compressor != nil && p.cfg.CompressionThreshold > 0 {
		if cerr := msg.CompressDeltas(p.compressor, p.cfg.CompressionThreshold); cerr != nil {
			p.logger.Warn("Compression failed, sending plain", map[string]interface{}{
				"peer":  peer.AgentID,
				"error": cerr.Error(),
			})
		}
	}

	reply, err := p.transport.Exchange(ctx, peer, msg)
	if err != nil {
		p.suspicion.fail(peer.AgentID)
		p.mu.Lock()
		p.stats.FailedExchanges++
		if isCompressionFailure(err) {
			p.plainSend[peer.AgentID] = true
		}
		p.mu.Unlock()
		span.RecordError(err)
		return
	}

	p.suspicion.succeed(peer.AgentID)
	p.mu.Lock()
	p.stats.SyncRounds++
	p.stats.Exchanges++
	p.stats.DeltasSent += uint64(len(deltas))
	p.mu.Unlock()

	if reply != nil {
		if reply.Digest != nil {
			p.clocks.Merge(reply.Digest)
		}
		if err := p.absorb(ctx, reply, peer.AgentID); err != nil {
			span.RecordError(err)
		}
	}
	p.telemetry.RecordMetric("gossip.anti_entropy.syncs", 1, map[string]string{"peer": peer.AgentID})
}

// adapt tunes fanout and interval from round outcomes: convergence relaxes the
// loop (smaller fanout, longer interval), divergence tightens it.
func (p *Protocol) adapt(converged bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minInterval := p.cfg.GossipInterval / 4
	maxInterval := p.cfg.GossipInterval * 4
	if minInterval <= 0 {
		minInterval = time.Second
	}

	if converged {
		if p.fanout > 1 {
			p.fanout--
		}
		p.interval += p.interval / 4
		if p.interval > maxInterval {
			p.interval = maxInterval
		}
	} else {
		if p.fanout < 2*p.cfg.Fanout {
			p.fanout++
		}
		p.interval -= p.interval / 4
		if p.interval < minInterval {
			p.interval = minInterval
		}
	}
}

// DropPending discards every queued delta and returns how many were dropped.
// Used by emergency cleanup; anti-entropy digests recover anything lost.
func (p *Protocol) DropPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for id, q := range p.pending {
		dropped += len(q)
		delete(p.pending, id)
	}
	return dropped
}

// Stats returns a snapshot of protocol counters.
func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	s.Fanout = p.fanout
	s.IntervalMs = p.interval.Milliseconds()
	for _, q := range p.pending {
		s.PendingDeltas += len(q)
	}
	p.mu.Unlock()
	s.ActivePeers, s.SuspectPeers, s.RemovedPeers = p.suspicion.counts()
	return s
}

func isCompressionFailure(err error) bool {
	return errors.Is(err, core.ErrCompressionFailure)
}
