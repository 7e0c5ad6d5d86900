// Package gossip implements epidemic dissemination of memory deltas between
// agent nodes. Each round pushes outstanding deltas to a random subset of
// live peers and pulls theirs back in the reply; merges are CRDT joins, so
// duplicate or out-of-order delivery never affects converged state.
package gossip

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/compress"
	"github.com/hiveworks/swarmmem/core"
	"github.com/hiveworks/swarmmem/crdt"
)

// Message is the gossip envelope. TTL decrements per hop; a message is not
// forwarded once TTL reaches 1, bounding propagation fan-out.
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	TTL       int    `json:"ttl"`
	Timestamp int64  `json:"timestamp"`

	// Deltas carried in the clear. Empty when Compressed is set.
	Deltas []crdt.Delta `json:"deltas,omitempty"`
	// Compressed, when set, holds the JSON-encoded delta slice compressed by
	// the sender.
	Compressed *compress.Blob `json:"compressed,omitempty"`

	// Digest is the sender's vector clock; receivers compare it against their
	// own to detect convergence for adaptive gossip.
	Digest clock.VectorClock `json:"digest,omitempty"`

	// Plain asks the peer to skip compression on its next send; set after a
	// decompression failure.
	Plain bool `json:"plain,omitempty"`
}

// NewMessage builds an envelope for a batch of deltas.
func NewMessage(senderID string, ttl int, deltas []crdt.Delta, digest clock.VectorClock) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		TTL:       ttl,
		Timestamp: time.Now().UnixNano(),
		Deltas:    deltas,
		Digest:    digest,
	}
}

// CompressDeltas moves the message's deltas into a compressed blob when the
// serialized size exceeds threshold. No-op for small payloads.
func (m *Message) CompressDeltas(c *compress.Compressor, threshold int) error {
	if c == nil || len(m.Deltas) == 0 {
		return nil
	}
	payload, err := json.Marshal(m.Deltas)
	if err != nil {
		return &core.MemoryError{Op: "gossip.CompressDeltas", Kind: "gossip", Err: err}
	}
	if threshold > 0 && len(payload) < threshold {
		return nil
	}
	blob, err := c.Compress(payload)
	if err != nil {
		return err
	}
	m.Compressed = &blob
	m.Deltas = nil
	return nil
}

// ExtractDeltas returns the message's deltas, decompressing when needed.
// A corrupt blob surfaces ErrCompressionFailure; the exchange fails but the
// node does not.
func (m *Message) ExtractDeltas(c *compress.Compressor) ([]crdt.Delta, error) {
	if m.Compressed == nil {
		return m.Deltas, nil
	}
	if c == nil {
		return nil, &core.MemoryError{Op: "gossip.ExtractDeltas", Kind: "gossip",
			Err: core.ErrCompressionFailure}
	}
	payload, err := c.Decompress(*m.Compressed)
	if err != nil {
		return nil, err
	}
	var deltas []crdt.Delta
	if err := json.Unmarshal(payload, &deltas); err != nil {
		return nil, &core.MemoryError{Op: "gossip.ExtractDeltas", Kind: "gossip", Err: err}
	}
	return deltas, nil
}
