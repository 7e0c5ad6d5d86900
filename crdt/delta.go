package crdt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hiveworks/swarmmem/clock"
)

// DeltaKind distinguishes CRDT state deltas from raw writes that need the
// conflict resolver.
type DeltaKind string

const (
	// DeltaMerge carries serialized CRDT state; the receiver merges by algebra.
	DeltaMerge DeltaKind = "merge"
	// DeltaWrite carries a raw value; the receiver resolves conflicts via the
	// configured strategy.
	DeltaWrite DeltaKind = "write"
)

// Delta is a timestamped, agent-attributed change record - the unit of gossip
// transmission and of replay for convergence. Deltas are immutable once
// created.
type Delta struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Kind      DeltaKind         `json:"kind"`
	AgentID   string            `json:"agentId"`
	Clock     clock.VectorClock `json:"clock"`
	Timestamp int64             `json:"timestamp"`
	// CRDTType tags merge deltas with the variant of the payload.
	CRDTType Type `json:"crdtType,omitempty"`
	// Payload is an Envelope for merge deltas, or the raw JSON value for
	// write deltas.
	Payload json.RawMessage `json:"payload"`
}

// NewMergeDelta builds a delta carrying the full state of a CRDT replica.
func NewMergeDelta(key, agentID string, vc clock.VectorClock, c CRDT) (Delta, error) {
	env, err := Encode(c)
	if err != nil {
		return Delta{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      DeltaMerge,
		AgentID:   agentID,
		Clock:     vc.Copy(),
		Timestamp: time.Now().UnixNano(),
		CRDTType:  c.Type(),
		Payload:   payload,
	}, nil
}

// NewWriteDelta builds a delta carrying a raw (non-CRDT) value.
func NewWriteDelta(key, agentID string, vc clock.VectorClock, value interface{}) (Delta, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      DeltaWrite,
		AgentID:   agentID,
		Clock:     vc.Copy(),
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}, nil
}

// DecodeCRDT restores the CRDT carried by a merge delta.
func (d Delta) DecodeCRDT() (CRDT, error) {
	var env Envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		return nil, err
	}
	return Decode(env)
}

// DecodeValue restores the raw value carried by a write delta.
func (d Delta) DecodeValue() (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(d.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
