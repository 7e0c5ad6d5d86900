package crdt

import (
	"fmt"

	"github.com/hiveworks/swarmmem/core"
)

// Map is a composite CRDT: each entry key owns its own nested CRDT and merge
// recurses entrywise. An entry-level type mismatch rejects the whole merge -
// the receiver is left untouched rather than partially merged.
type Map struct {
	Entries map[string]CRDT `json:"entries"`
}

// NewMap creates an empty CRDT map.
func NewMap() *Map {
	return &Map{Entries: make(map[string]CRDT)}
}

// Type returns TypeMap.
func (m *Map) Type() Type { return TypeMap }

// Get returns the nested CRDT for an entry key.
func (m *Map) Get(entry string) (CRDT, bool) {
	c, ok := m.Entries[entry]
	return c, ok
}

// GetOrCreate returns the nested CRDT for an entry key, creating it with the
// given variant if absent. Returns ErrTypeMismatch if the entry exists with a
// different variant.
func (m *Map) GetOrCreate(entry string, t Type) (CRDT, error) {
	if existing, ok := m.Entries[entry]; ok {
		if existing.Type() != t {
			return nil, &core.MemoryError{Op: "Map.GetOrCreate", Kind: "crdt", Key: entry,
				Err: fmt.Errorf("%w: entry is %s, requested %s", core.ErrTypeMismatch, existing.Type(), t)}
		}
		return existing, nil
	}
	c, err := New(t)
	if err != nil {
		return nil, err
	}
	m.Entries[entry] = c
	return c, nil
}

// Value returns a map of entry key to nested value.
func (m *Map) Value() interface{} {
	out := make(map[string]interface{}, len(m.Entries))
	for entry, c := range m.Entries {
		out[entry] = c.Value()
	}
	return out
}

// Merge recurses entrywise. The merge runs against a scratch copy and is
// swapped in only on success, so a type mismatch at any depth leaves the
// receiver unchanged - no partial merge.
func (m *Map) Merge(other CRDT) error {
	o, ok := other.(*Map)
	if !ok {
		return typeMismatch("Map.Merge", TypeMap, other.Type())
	}
	merged := m.Clone().(*Map)
	for entry, oc := range o.Entries {
		if mine, ok := merged.Entries[entry]; ok {
			if mine.Type() != oc.Type() {
				return &core.MemoryError{Op: "Map.Merge", Kind: "crdt", Key: entry,
					Err: fmt.Errorf("%w: entry is %s, incoming %s", core.ErrTypeMismatch, mine.Type(), oc.Type())}
			}
			if err := mine.Merge(oc); err != nil {
				return err
			}
		} else {
			merged.Entries[entry] = oc.Clone()
		}
	}
	m.Entries = merged.Entries
	return nil
}

// Clone returns a deep copy.
func (m *Map) Clone() CRDT {
	out := NewMap()
	for entry, c := range m.Entries {
		out.Entries[entry] = c.Clone()
	}
	return out
}
