// Package crdt implements the conflict-free replicated value types of the
// memory core and the synchronizer that applies and merges them per key.
//
// Every variant's merge is a semilattice join: commutative, associative and
// idempotent, so replicas converge regardless of delivery order or
// duplication. The variant set is closed - New and Decode dispatch over the
// Type enum and reject anything else.
package crdt

import (
	"fmt"

	"github.com/hiveworks/swarmmem/core"
)

// Type identifies a CRDT variant.
type Type string

const (
	TypeGCounter    Type = "gcounter"
	TypePNCounter   Type = "pncounter"
	TypeORSet       Type = "orset"
	TypeLWWRegister Type = "lww_register"
	TypeMVRegister  Type = "mv_register"
	TypeMap         Type = "map"
)

// Valid reports whether t names a known variant.
func (t Type) Valid() bool {
	switch t {
	case TypeGCounter, TypePNCounter, TypeORSet, TypeLWWRegister, TypeMVRegister, TypeMap:
		return true
	}
	return false
}

// CRDT is the interface shared by all variants. Merge mutates the receiver by
// folding in the other replica's state; both sides may hold independent
// copies that converge via merge, never via coordination.
type CRDT interface {
	// Type returns the variant tag.
	Type() Type
	// Merge folds other into the receiver. Returns ErrTypeMismatch when the
	// concrete types differ; in that case the receiver is unchanged.
	Merge(other CRDT) error
	// Value returns the externally visible value of the replica.
	Value() interface{}
	// Clone returns an independent deep copy.
	Clone() CRDT
}

// New creates an empty instance of the given variant.
func New(t Type) (CRDT, error) {
	switch t {
	case TypeGCounter:
		return NewGCounter(), nil
	case TypePNCounter:
		return NewPNCounter(), nil
	case TypeORSet:
		return NewORSet(), nil
	case TypeLWWRegister:
		return NewLWWRegister(), nil
	case TypeMVRegister:
		return NewMVRegister(), nil
	case TypeMap:
		return NewMap(), nil
	default:
		return nil, &core.MemoryError{Op: "crdt.New", Kind: "crdt",
			Err: fmt.Errorf("%w: unknown crdt type %q", core.ErrTypeMismatch, t)}
	}
}

func typeMismatch(op string, want, got Type) error {
	return &core.MemoryError{Op: op, Kind: "crdt",
		Err: fmt.Errorf("%w: have %s, got %s", core.ErrTypeMismatch, want, got)}
}
