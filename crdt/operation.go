package crdt

import (
	"fmt"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/core"
)

// OpKind names a local mutation on a CRDT value.
type OpKind string

const (
	OpIncrement OpKind = "increment" // counters
	OpDecrement OpKind = "decrement" // pncounter only
	OpAdd       OpKind = "add"       // orset
	OpRemove    OpKind = "remove"    // orset
	OpSet       OpKind = "set"       // registers
)

// Operation describes a local mutation. The declared CRDTType must match the
// key's stored type or the operation is rejected whole.
type Operation struct {
	CRDTType Type
	Kind     OpKind
	// Amount for counter increments/decrements; defaults to 1 when zero.
	Amount uint64
	// Element for set add/remove.
	Element string
	// Value for register sets.
	Value interface{}
	// Entry routes the operation to a nested CRDT when the target is a Map.
	// The nested variant is CRDTType; the top-level type is then TypeMap.
	Entry string
	// Stamp carries the writer's clock for MV register sets; populated by the
	// coordinator before apply.
	Stamp clock.VectorClock
	// Timestamp and AgentID stamp LWW register sets.
	Timestamp int64
	AgentID   string
}

// apply dispatches the operation onto a concrete CRDT.
func (op Operation) apply(c CRDT) error {
	switch target := c.(type) {
	case *GCounter:
		if op.Kind != OpIncrement {
			return opError(op, "gcounter supports increment only")
		}
		target.Increment(op.AgentID, op.amount())
	case *PNCounter:
		switch op.Kind {
		case OpIncrement:
			target.Increment(op.AgentID, op.amount())
		case OpDecrement:
			target.Decrement(op.AgentID, op.amount())
		default:
			return opError(op, "pncounter supports increment and decrement")
		}
	case *ORSet:
		switch op.Kind {
		case OpAdd:
			target.Add(op.Element)
		case OpRemove:
			target.Remove(op.Element)
		default:
			return opError(op, "orset supports add and remove")
		}
	case *LWWRegister:
		if op.Kind != OpSet {
			return opError(op, "lww register supports set only")
		}
		target.Set(op.Value, op.Timestamp, op.AgentID)
	case *MVRegister:
		if op.Kind != OpSet {
			return opError(op, "mv register supports set only")
		}
		target.Set(op.Value, op.Stamp)
	case *Map:
		nested, err := target.GetOrCreate(op.Entry, op.CRDTType)
		if err != nil {
			return err
		}
		return op.apply(nested)
	default:
		return opError(op, "unhandled crdt variant")
	}
	return nil
}

func (op Operation) amount() uint64 {
	if op.Amount == 0 {
		return 1
	}
	return op.Amount
}

func opError(op Operation, msg string) error {
	return &core.MemoryError{Op: "crdt.Apply", Kind: "crdt",
		Err: fmt.Errorf("%w: %s (kind %s)", core.ErrTypeMismatch, msg, op.Kind)}
}
