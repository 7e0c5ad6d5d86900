// Package conflict implements resolution strategies for non-CRDT or
// semantically conflicting writes. Every strategy is a pure function of its
// inputs - no hidden clock, no randomness - so replicas resolving the same
// conflict independently reach the same winner.
package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hiveworks/swarmmem/clock"
	"github.com/hiveworks/swarmmem/core"
)

// Strategy names a resolution strategy.
type Strategy string

const (
	StrategyLWW       Strategy = "lww"
	StrategySemantic  Strategy = "semantic"
	StrategyTransform Strategy = "operational_transform"
)

// Candidate is one competing value for a key with its provenance.
type Candidate struct {
	Value     interface{}       `json:"value"`
	Clock     clock.VectorClock `json:"clock"`
	AgentID   string            `json:"agentId"`
	Timestamp int64             `json:"timestamp"`
}

// Context captures two or more competing values for the same key.
type Context struct {
	Key        string      `json:"key"`
	Candidates []Candidate `json:"candidates"`
}

// Resolution is the outcome of resolving a conflict. When Unresolved is set
// the caller must retain every candidate in Retained rather than drop data.
type Resolution struct {
	Winner     interface{} `json:"winner"`
	Strategy   Strategy    `json:"strategy"`
	Merged     bool        `json:"merged"`
	Unresolved bool        `json:"unresolved"`
	Retained   []Candidate `json:"retained,omitempty"`
}

// SemanticMergeFunc merges two competing values for one key. Returning false
// means the pair is unresolvable. Implementations must be deterministic.
type SemanticMergeFunc func(a, b interface{}) (interface{}, bool)

// ResolverStats is a snapshot of resolver activity.
type ResolverStats struct {
	Resolved   uint64 `json:"resolved"`
	Unresolved uint64 `json:"unresolved"`
}

// Resolver dispatches a conflict context to the configured strategy.
type Resolver struct {
	strategy   Strategy
	semanticFn SemanticMergeFunc
	logger     core.Logger

	mu         sync.Mutex
	resolved   uint64
	unresolved uint64
}

// NewResolver creates a resolver for the given strategy. The semantic
// strategy uses the built-in merge table unless WithSemanticMerge overrides
// it.
func NewResolver(strategy Strategy) (*Resolver, error) {
	switch strategy {
	case StrategyLWW, StrategySemantic, StrategyTransform:
	default:
		return nil, &core.MemoryError{Op: "conflict.NewResolver", Kind: "conflict",
			Err: fmt.Errorf("%w: %q", core.ErrUnknownStrategy, strategy)}
	}
	return &Resolver{
		strategy: strategy,
		logger:   &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this resolver
func (r *Resolver) SetLogger(logger core.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetSemanticMerge installs a caller-supplied semantic merge function.
func (r *Resolver) SetSemanticMerge(fn SemanticMergeFunc) {
	r.semanticFn = fn
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve dispatches to the configured strategy. An unresolvable semantic
// conflict returns a Resolution with Unresolved set and every candidate
// retained, wrapped alongside ErrConflictUnresolved.
func (r *Resolver) Resolve(ctx Context) (Resolution, error) {
	if len(ctx.Candidates) == 0 {
		return Resolution{}, &core.MemoryError{Op: "Resolver.Resolve", Kind: "conflict", Key: ctx.Key,
			Err: fmt.Errorf("no candidates")}
	}
	if len(ctx.Candidates) == 1 {
		r.count(true)
		return Resolution{Winner: ctx.Candidates[0].Value, Strategy: r.strategy}, nil
	}

	var res Resolution
	var err error
	switch r.strategy {
	case StrategyLWW:
		res = ResolveLWW(ctx)
	case StrategySemantic:
		res = ResolveSemantic(ctx, r.semanticFn)
	case StrategyTransform:
		res = ResolveTransform(ctx)
	}

	if res.Unresolved {
		r.count(false)
		r.logger.Warn("Conflict unresolved, retaining all candidates", map[string]interface{}{
			"key":        ctx.Key,
			"candidates": len(ctx.Candidates),
			"strategy":   string(r.strategy),
		})
		err = &core.MemoryError{Op: "Resolver.Resolve", Kind: "conflict", Key: ctx.Key,
			Err: core.ErrConflictUnresolved}
	} else {
		r.count(true)
	}
	return res, err
}

func (r *Resolver) count(resolved bool) {
	r.mu.Lock()
	if resolved {
		r.resolved++
	} else {
		r.unresolved++
	}
	r.mu.Unlock()
}

// Stats returns a snapshot of resolver activity.
func (r *Resolver) Stats() ResolverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResolverStats{Resolved: r.resolved, Unresolved: r.unresolved}
}

// ResolveLWW picks the latest write under a fixed total order: causal
// dominance first, then wall timestamp, then clock event count, then
// lexicographically greater agent id, then serialized value. The trailing
// tie-breaks guarantee the same winner regardless of candidate order.
func ResolveLWW(ctx Context) Resolution {
	winner := ctx.Candidates[0]
	for _, c := range ctx.Candidates[1:] {
		if lwwLess(winner, c) {
			winner = c
		}
	}
	return Resolution{Winner: winner.Value, Strategy: StrategyLWW}
}

// lwwLess reports whether a loses to b.
func lwwLess(a, b Candidate) bool {
	switch clock.Compare(a.Clock, b.Clock) {
	case clock.Before:
		return true
	case clock.After:
		return false
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if as, bs := a.Clock.Sum(), b.Clock.Sum(); as != bs {
		return as < bs
	}
	if a.AgentID != b.AgentID {
		return a.AgentID < b.AgentID
	}
	return canonical(a.Value) < canonical(b.Value)
}

// sortCandidates orders candidates deterministically so pairwise folds are
// independent of input order.
func sortCandidates(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return canonical(out[i].Value) < canonical(out[j].Value)
	})
	return out
}

func canonical(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
