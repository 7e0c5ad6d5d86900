package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hiveworks/swarmmem/core"
)

// SyncStats is a snapshot of synchronizer activity.
type SyncStats struct {
	Keys           int    `json:"keys"`
	Applied        uint64 `json:"applied"`
	Merged         uint64 `json:"merged"`
	TypeMismatches uint64 `json:"typeMismatches"`
}

// Synchronizer owns the local replica of every CRDT-typed key. Apply performs
// a local mutation; Merge folds in a remote replica's state. Both enforce the
// type of the first write: an operation or merge whose declared variant does
// not match the stored one is rejected with no partial effect.
type Synchronizer struct {
	mu     sync.RWMutex
	store  map[string]CRDT
	logger core.Logger

	applied        uint64
	merged         uint64
	typeMismatches uint64
}

// NewSynchronizer creates an empty synchronizer.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		store:  make(map[string]CRDT),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this synchronizer
func (s *Synchronizer) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// targetType is the variant expected at the top level of the key.
func targetType(op Operation) Type {
	if op.Entry != "" {
		return TypeMap
	}
	return op.CRDTType
}

// Apply performs a local mutation on key, creating the CRDT on first use.
// Returns the resulting replica (a copy safe to serialize).
func (s *Synchronizer) Apply(key string, op Operation) (CRDT, error) {
	want := targetType(op)
	if !want.Valid() {
		return nil, &core.MemoryError{Op: "Synchronizer.Apply", Kind: "crdt", Key: key,
			Err: fmt.Errorf("%w: unknown crdt type %q", core.ErrTypeMismatch, want)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.store[key]
	if !ok {
		created, err := New(want)
		if err != nil {
			return nil, err
		}
		existing = created
	} else if existing.Type() != want {
		s.typeMismatches++
		return nil, &core.MemoryError{Op: "Synchronizer.Apply", Kind: "crdt", Key: key,
			Err: fmt.Errorf("%w: key holds %s, operation declares %s", core.ErrTypeMismatch, existing.Type(), want)}
	}

	if err := op.apply(existing); err != nil {
		if core.IsTypeMismatch(err) {
			s.typeMismatches++
		}
		return nil, err
	}
	s.store[key] = existing
	s.applied++
	return existing.Clone(), nil
}

// Merge folds a remote replica into the local one for key. A fresh key adopts
// a copy of the remote state. Returns the converged replica.
func (s *Synchronizer) Merge(key string, remote CRDT) (CRDT, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.store[key]
	if !ok {
		adopted := remote.Clone()
		s.store[key] = adopted
		s.merged++
		return adopted.Clone(), nil
	}
	if existing.Type() != remote.Type() {
		s.typeMismatches++
		return nil, &core.MemoryError{Op: "Synchronizer.Merge", Kind: "crdt", Key: key,
			Err: fmt.Errorf("%w: key holds %s, remote is %s", core.ErrTypeMismatch, existing.Type(), remote.Type())}
	}
	if err := existing.Merge(remote); err != nil {
		if core.IsTypeMismatch(err) {
			s.typeMismatches++
		}
		return nil, err
	}
	s.merged++
	return existing.Clone(), nil
}

// Get returns a copy of the replica for key.
func (s *Synchronizer) Get(key string) (CRDT, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.store[key]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Keys returns all CRDT-typed keys in sorted order.
func (s *Synchronizer) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Drop removes a key. Used by emergency cleanup when shard ownership is
// released.
func (s *Synchronizer) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, key)
}

// Stats returns a snapshot of synchronizer activity.
func (s *Synchronizer) Stats() SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SyncStats{
		Keys:           len(s.store),
		Applied:        s.applied,
		Merged:         s.merged,
		TypeMismatches: s.typeMismatches,
	}
}
