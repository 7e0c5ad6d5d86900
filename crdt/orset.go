package crdt

import (
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set with add-wins semantics. Every add carries a
// unique tag; removing an element tombstones only the add tags observed at the
// time, so a concurrent add (with a fresh tag) survives the remove.
type ORSet struct {
	// Adds maps element -> set of add tags.
	Adds map[string]map[string]bool `json:"adds"`
	// Removes maps element -> set of tombstoned add tags.
	Removes map[string]map[string]bool `json:"removes"`
}

// NewORSet creates an empty observed-remove set.
func NewORSet() *ORSet {
	return &ORSet{
		Adds:    make(map[string]map[string]bool),
		Removes: make(map[string]map[string]bool),
	}
}

// Type returns TypeORSet.
func (s *ORSet) Type() Type { return TypeORSet }

// Add inserts an element with a fresh unique tag and returns the tag.
func (s *ORSet) Add(element string) string {
	return s.AddTagged(element, uuid.NewString())
}

// AddTagged inserts an element with a caller-supplied tag. Used when replaying
// a delta so the original tag is preserved.
func (s *ORSet) AddTagged(element, tag string) string {
	if s.Adds[element] == nil {
		s.Adds[element] = make(map[string]bool)
	}
	s.Adds[element][tag] = true
	return tag
}

// Remove tombstones every currently observed add tag of the element.
func (s *ORSet) Remove(element string) {
	tags := s.Adds[element]
	if len(tags) == 0 {
		return
	}
	if s.Removes[element] == nil {
		s.Removes[element] = make(map[string]bool)
	}
	for tag := range tags {
		s.Removes[element][tag] = true
	}
}

// Contains reports whether the element has at least one live add tag.
func (s *ORSet) Contains(element string) bool {
	removed := s.Removes[element]
	for tag := range s.Adds[element] {
		if !removed[tag] {
			return true
		}
	}
	return false
}

// Elements returns the live elements in sorted order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.Adds))
	for element := range s.Adds {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

// Value returns the live elements as a sorted []string.
func (s *ORSet) Value() interface{} {
	return s.Elements()
}

// Merge unions add tags and tombstones from the other replica.
func (s *ORSet) Merge(other CRDT) error {
	o, ok := other.(*ORSet)
	if !ok {
		return typeMismatch("ORSet.Merge", TypeORSet, other.Type())
	}
	for element, tags := range o.Adds {
		if s.Adds[element] == nil {
			s.Adds[element] = make(map[string]bool)
		}
		for tag := range tags {
			s.Adds[element][tag] = true
		}
	}
	for element, tags := range o.Removes {
		if s.Removes[element] == nil {
			s.Removes[element] = make(map[string]bool)
		}
		for tag := range tags {
			s.Removes[element][tag] = true
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *ORSet) Clone() CRDT {
	out := NewORSet()
	for element, tags := range s.Adds {
		out.Adds[element] = make(map[string]bool, len(tags))
		for tag := range tags {
			out.Adds[element][tag] = true
		}
	}
	for element, tags := range s.Removes {
		out.Removes[element] = make(map[string]bool, len(tags))
		for tag := range tags {
			out.Removes[element][tag] = true
		}
	}
	return out
}
