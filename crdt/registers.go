package crdt

import (
	"encoding/json"
	"sort"

	"github.com/hiveworks/swarmmem/clock"
)

// LWWRegister holds a single value stamped with a timestamp and writer id.
// Merge keeps the value with the higher timestamp; ties fall to the
// lexicographically greater agent id. The tie-break is a fixed total order,
// which is what makes independent merges deterministic.
type LWWRegister struct {
	Val       interface{} `json:"value"`
	Timestamp int64       `json:"timestamp"`
	Agent     string      `json:"agent"`
}

// NewLWWRegister creates an empty register.
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

// Type returns TypeLWWRegister.
func (r *LWWRegister) Type() Type { return TypeLWWRegister }

// Set overwrites the register when the new stamp wins under the LWW order.
func (r *LWWRegister) Set(value interface{}, timestamp int64, agent string) {
	if lwwWins(timestamp, agent, r.Timestamp, r.Agent) {
		r.Val = value
		r.Timestamp = timestamp
		r.Agent = agent
	}
}

// lwwWins reports whether stamp (ts, agent) beats (curTs, curAgent).
func lwwWins(ts int64, agent string, curTs int64, curAgent string) bool {
	if ts != curTs {
		return ts > curTs
	}
	return agent > curAgent
}

// Value returns the register's current value.
func (r *LWWRegister) Value() interface{} {
	return r.Val
}

// Merge keeps the winning (value, timestamp, agent) triple.
func (r *LWWRegister) Merge(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return typeMismatch("LWWRegister.Merge", TypeLWWRegister, other.Type())
	}
	if lwwWins(o.Timestamp, o.Agent, r.Timestamp, r.Agent) {
		r.Val = o.Val
		r.Timestamp = o.Timestamp
		r.Agent = o.Agent
	}
	return nil
}

// Clone returns a copy of the register.
func (r *LWWRegister) Clone() CRDT {
	return &LWWRegister{Val: r.Val, Timestamp: r.Timestamp, Agent: r.Agent}
}

// Version is one concurrently-written value with its clock.
type Version struct {
	Val   interface{}       `json:"value"`
	Clock clock.VectorClock `json:"clock"`
}

// MVRegister retains all concurrently written values until a client-supplied
// resolution collapses them. Merge unions the version sets and discards any
// version causally dominated by another.
type MVRegister struct {
	Versions []Version `json:"versions"`
}

// NewMVRegister creates an empty multi-value register.
func NewMVRegister() *MVRegister {
	return &MVRegister{}
}

// Type returns TypeMVRegister.
func (r *MVRegister) Type() Type { return TypeMVRegister }

// Set records a write with its clock, discarding versions the new clock
// dominates. Concurrent versions are retained.
func (r *MVRegister) Set(value interface{}, vc clock.VectorClock) {
	r.absorb(Version{Val: value, Clock: vc.Copy()})
}

// Values returns the surviving values, deterministically ordered.
func (r *MVRegister) Values() []interface{} {
	out := make([]interface{}, len(r.Versions))
	for i, v := range r.Versions {
		out[i] = v.Val
	}
	return out
}

// Value returns the surviving values as []interface{}.
func (r *MVRegister) Value() interface{} {
	return r.Values()
}

// Merge unions version sets, dropping dominated versions.
func (r *MVRegister) Merge(other CRDT) error {
	o, ok := other.(*MVRegister)
	if !ok {
		return typeMismatch("MVRegister.Merge", TypeMVRegister, other.Type())
	}
	for _, v := range o.Versions {
		r.absorb(Version{Val: v.Val, Clock: v.Clock.Copy()})
	}
	return nil
}

func (r *MVRegister) absorb(incoming Version) {
	kept := make([]Version, 0, len(r.Versions)+1)
	for _, v := range r.Versions {
		switch clock.Compare(v.Clock, incoming.Clock) {
		case clock.Before:
			// Dominated by incoming: drop.
		case clock.After, clock.Equal:
			// Incoming is dominated or a duplicate. Surviving versions are
			// pairwise concurrent, so nothing else could have been dropped.
			return
		default:
			kept = append(kept, v)
		}
	}
	r.Versions = append(kept, incoming)
	r.sortVersions()
}

// sortVersions keeps the slice in a canonical order so replicas holding the
// same version set serialize identically.
func (r *MVRegister) sortVersions() {
	sort.Slice(r.Versions, func(i, j int) bool {
		return versionKey(r.Versions[i]) < versionKey(r.Versions[j])
	})
}

func versionKey(v Version) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Clone returns a deep copy.
func (r *MVRegister) Clone() CRDT {
	out := NewMVRegister()
	out.Versions = make([]Version, len(r.Versions))
	for i, v := range r.Versions {
		out.Versions[i] = Version{Val: v.Val, Clock: v.Clock.Copy()}
	}
	return out
}
