package crdt

// GCounter is a grow-only counter: one monotone counter per replica, merge is
// pointwise max, value is the sum over all replicas.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty grow-only counter.
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Type returns TypeGCounter.
func (g *GCounter) Type() Type { return TypeGCounter }

// Increment adds n to the replica's own slot. n of zero is a no-op.
func (g *GCounter) Increment(agentID string, n uint64) {
	g.Counts[agentID] += n
}

// Value returns the summed count as int64.
func (g *GCounter) Value() interface{} {
	return g.Sum()
}

// Sum returns the total across replica slots.
func (g *GCounter) Sum() int64 {
	var s uint64
	for _, c := range g.Counts {
		s += c
	}
	return int64(s)
}

// Merge takes the pointwise max of replica slots.
func (g *GCounter) Merge(other CRDT) error {
	o, ok := other.(*GCounter)
	if !ok {
		return typeMismatch("GCounter.Merge", TypeGCounter, other.Type())
	}
	for agent, c := range o.Counts {
		if c > g.Counts[agent] {
			g.Counts[agent] = c
		}
	}
	return nil
}

// Clone returns a deep copy.
func (g *GCounter) Clone() CRDT {
	out := NewGCounter()
	for agent, c := range g.Counts {
		out.Counts[agent] = c
	}
	return out
}

// PNCounter combines an increment and a decrement GCounter; value is the
// difference of their sums.
type PNCounter struct {
	Inc *GCounter `json:"inc"`
	Dec *GCounter `json:"dec"`
}

// NewPNCounter creates an empty positive-negative counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{Inc: NewGCounter(), Dec: NewGCounter()}
}

// Type returns TypePNCounter.
func (p *PNCounter) Type() Type { return TypePNCounter }

// Increment adds n to the replica's increment slot.
func (p *PNCounter) Increment(agentID string, n uint64) {
	p.Inc.Increment(agentID, n)
}

// Decrement adds n to the replica's decrement slot.
func (p *PNCounter) Decrement(agentID string, n uint64) {
	p.Dec.Increment(agentID, n)
}

// Value returns sum(inc) - sum(dec).
func (p *PNCounter) Value() interface{} {
	return p.Sum()
}

// Sum returns sum(inc) - sum(dec).
func (p *PNCounter) Sum() int64 {
	return p.Inc.Sum() - p.Dec.Sum()
}

// Merge merges both halves pointwise.
func (p *PNCounter) Merge(other CRDT) error {
	o, ok := other.(*PNCounter)
	if !ok {
		return typeMismatch("PNCounter.Merge", TypePNCounter, other.Type())
	}
	if err := p.Inc.Merge(o.Inc); err != nil {
		return err
	}
	return p.Dec.Merge(o.Dec)
}

// Clone returns a deep copy.
func (p *PNCounter) Clone() CRDT {
	return &PNCounter{
		Inc: p.Inc.Clone().(*GCounter),
		Dec: p.Dec.Clone().(*GCounter),
	}
}
