// Package clock implements vector-clock causality tracking for the memory
// core. Each agent owns a counter; comparing two clocks yields one of four
// causal relations. The manager layers pruning and stats on the raw clock.
package clock

// Relation is the causal relation between two vector clocks.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps agent ids to monotonically increasing counters. A missing
// entry is treated as counter zero.
type VectorClock map[string]uint64

// Copy returns an independent copy of the clock.
func (v VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(v))
	for k, c := range v {
		out[k] = c
	}
	return out
}

// Merge folds remote into v, taking the pointwise max. Monotonicity per agent
// is preserved because counters never decrease.
func (v VectorClock) Merge(remote VectorClock) {
	for agent, rc := range remote {
		if rc > v[agent] {
			v[agent] = rc
		}
	}
}

// Sum returns the total event count recorded by the clock. Used as a cheap
// recency measure for LWW tie-breaking.
func (v VectorClock) Sum() uint64 {
	var s uint64
	for _, c := range v {
		s += c
	}
	return s
}

// Compare computes the causal relation between a and b over the union of
// known agent ids, treating missing keys as 0.
func Compare(a, b VectorClock) Relation {
	aLess, bLess := false, false
	for agent, ac := range a {
		bc := b[agent]
		if ac < bc {
			aLess = true
		} else if ac > bc {
			bLess = true
		}
	}
	for agent, bc := range b {
		if _, seen := a[agent]; seen {
			continue
		}
		if bc > 0 {
			aLess = true
		}
	}
	switch {
	case aLess && bLess:
		return Concurrent
	case aLess:
		return Before
	case bLess:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether a causally dominates b (a is After or Equal).
func Dominates(a, b VectorClock) bool {
	rel := Compare(a, b)
	return rel == After || rel == Equal
}
