package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/hiveworks/swarmmem/core"
)

// Envelope is the wire form of a CRDT: the variant tag plus its serialized
// state. Gossip ships envelopes; Decode restores the concrete type.
type Envelope struct {
	Type  Type            `json:"type"`
	State json.RawMessage `json:"state"`
}

// Encode serializes a CRDT into an envelope.
func Encode(c CRDT) (Envelope, error) {
	state, err := json.Marshal(c)
	if err != nil {
		return Envelope{}, &core.MemoryError{Op: "crdt.Encode", Kind: "crdt", Err: err}
	}
	return Envelope{Type: c.Type(), State: state}, nil
}

// Decode restores a CRDT from its envelope. Unknown variant tags are
// rejected, keeping the variant set closed on the wire as well.
func Decode(env Envelope) (CRDT, error) {
	c, err := New(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.State) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(env.State, c); err != nil {
		return nil, &core.MemoryError{Op: "crdt.Decode", Kind: "crdt",
			Err: fmt.Errorf("corrupt %s state: %w", env.Type, err)}
	}
	return c, nil
}

// MarshalJSON encodes nested entries as envelopes so the variant of each
// entry survives the round trip.
func (m *Map) MarshalJSON() ([]byte, error) {
	entries := make(map[string]Envelope, len(m.Entries))
	for entry, c := range m.Entries {
		env, err := Encode(c)
		if err != nil {
			return nil, err
		}
		entries[entry] = env
	}
	return json.Marshal(struct {
		Entries map[string]Envelope `json:"entries"`
	}{entries})
}

// UnmarshalJSON restores nested entries from their envelopes.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw struct {
		Entries map[string]Envelope `json:"entries"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Entries = make(map[string]CRDT, len(raw.Entries))
	for entry, env := range raw.Entries {
		c, err := Decode(env)
		if err != nil {
			return err
		}
		m.Entries[entry] = c
	}
	return nil
}
