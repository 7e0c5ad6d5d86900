package clock

import (
	"testing"
)

func TestCompareRelations(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Relation
	}{
		{
			name: "empty clocks are equal",
			a:    VectorClock{},
			b:    VectorClock{},
			want: Equal,
		},
		{
			name: "identical clocks are equal",
			a:    VectorClock{"a": 2, "b": 1},
			b:    VectorClock{"a": 2, "b": 1},
			want: Equal,
		},
		{
			name: "pointwise smaller is before",
			a:    VectorClock{"a": 1},
			b:    VectorClock{"a": 2, "b": 1},
			want: Before,
		},
		{
			name: "pointwise larger is after",
			a:    VectorClock{"a": 3, "b": 1},
			b:    VectorClock{"a": 2, "b": 1},
			want: After,
		},
		{
			name: "divergent clocks are concurrent",
			a:    VectorClock{"a": 2, "b": 1},
			b:    VectorClock{"a": 1, "b": 2},
			want: Concurrent,
		},
		{
			name: "missing entries count as zero",
			a:    VectorClock{"a": 1},
			b:    VectorClock{"b": 1},
			want: Concurrent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareAntisymmetry(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"a": 1, "b": 1}
	if Compare(a, b) != After {
		t.Fatalf("expected a After b")
	}
	if Compare(b, a) != Before {
		t.Fatalf("expected b Before a")
	}
}

func TestMergePointwiseMax(t *testing.T) {
	a := VectorClock{"a": 1, "b": 5}
	b := VectorClock{"a": 3, "c": 2}
	a.Merge(b)

	want := VectorClock{"a": 3, "b": 5, "c": 2}
	for agent, count := range want {
		if a[agent] != count {
			t.Errorf("merged[%q] = %d, want %d", agent, a[agent], count)
		}
	}
	if Compare(a, b) != After {
		t.Errorf("merged clock must dominate both inputs")
	}
}

func TestCopyIsIndependent(t *testing.T) {
	orig := VectorClock{"a": 1}
	cp := orig.Copy()
	cp["a"] = 99
	if orig["a"] != 1 {
		t.Errorf("mutating copy changed original")
	}
}

func TestManagerTickAdvancesOnlyLocal(t *testing.T) {
	m := NewManager("agent-1")
	m.Tick()
	m.Tick()
	stamp := m.Stamp()

	if stamp["agent-1"] != 3 {
		t.Errorf("local counter = %d, want 3", stamp["agent-1"])
	}
	if len(stamp) != 1 {
		t.Errorf("stamp has %d entries, want 1", len(stamp))
	}
}

func TestManagerMergeNeverDecreases(t *testing.T) {
	m := NewManager("agent-1")
	m.Tick()
	m.Merge(VectorClock{"agent-1": 0, "agent-2": 4})

	cur := m.Current()
	if cur["agent-1"] != 1 {
		t.Errorf("local counter regressed to %d", cur["agent-1"])
	}
	if cur["agent-2"] != 4 {
		t.Errorf("remote counter = %d, want 4", cur["agent-2"])
	}
}

func TestManagerStampIsSnapshot(t *testing.T) {
	m := NewManager("agent-1")
	s1 := m.Stamp()
	s2 := m.Stamp()
	if s1["agent-1"] == s2["agent-1"] {
		t.Fatalf("consecutive stamps must differ")
	}
	s1["agent-1"] = 100
	if m.Current()["agent-1"] == 100 {
		t.Errorf("mutating a stamp leaked into manager state")
	}
}

func TestPruneNeverDropsLocalAgent(t *testing.T) {
	m := NewManager("agent-1")
	m.Tick()
	m.Merge(VectorClock{"agent-2": 1, "agent-3": 2, "agent-4": 3})

	pruned := m.Prune(PrunePolicy{MaxEntries: 1})
	if pruned != 3 {
		t.Errorf("pruned %d entries, want 3", pruned)
	}
	cur := m.Current()
	if _, ok := cur["agent-1"]; !ok {
		t.Fatalf("prune removed the local agent")
	}
	if len(cur) != 1 {
		t.Errorf("clock has %d entries after prune, want 1", len(cur))
	}
}

func TestPruneByHorizon(t *testing.T) {
	m := NewManager("agent-1")
	m.Merge(VectorClock{"agent-2": 1})

	// Horizon of zero means everything non-local is stale immediately.
	pruned := m.Prune(PrunePolicy{InactiveHorizon: -1})
	if pruned != 0 {
		t.Errorf("negative horizon must disable horizon pruning, pruned %d", pruned)
	}
}

func TestManagerStats(t *testing.T) {
	m := NewManager("agent-1")
	m.Tick()
	m.Tick()
	m.Merge(VectorClock{"agent-2": 1})

	stats := m.Stats()
	if stats.LocalTicks != 2 {
		t.Errorf("LocalTicks = %d, want 2", stats.LocalTicks)
	}
	if stats.Merges != 1 {
		t.Errorf("Merges = %d, want 1", stats.Merges)
	}
	if stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2", stats.Entries)
	}
}
