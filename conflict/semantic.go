package conflict

import "sort"

// ResolveSemantic folds candidates pairwise through the merge function,
// candidates ordered deterministically first. A nil fn uses DefaultSemanticMerge.
// Any unresolvable pair aborts the fold: all original candidates are retained.
func ResolveSemantic(ctx Context, fn SemanticMergeFunc) Resolution {
	if fn == nil {
		fn = DefaultSemanticMerge
	}
	ordered := sortCandidates(ctx.Candidates)
	acc := ordered[0].Value
	for _, c := range ordered[1:] {
		merged, ok := fn(acc, c.Value)
		if !ok {
			return Resolution{
				Strategy:   StrategySemantic,
				Unresolved: true,
				Retained:   ordered,
			}
		}
		acc = merged
	}
	return Resolution{Winner: acc, Strategy: StrategySemantic, Merged: true}
}

// DefaultSemanticMerge is the built-in deterministic merge table:
//
//   - equal values merge to themselves
//   - slices merge to the sorted union (by canonical JSON form)
//   - maps merge key-wise, recursing on values present in both
//   - numbers merge to the maximum
//   - anything else is unresolvable
//
// All iteration runs over sorted keys so the result is order-independent.
func DefaultSemanticMerge(a, b interface{}) (interface{}, bool) {
	if canonical(a) == canonical(b) {
		return a, true
	}

	switch av := a.(type) {
	case []interface{}:
		if bv, ok := b.([]interface{}); ok {
			return unionSlices(av, bv), true
		}
	case map[string]interface{}:
		if bv, ok := b.(map[string]interface{}); ok {
			return mergeMaps(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			if bv > av {
				return bv, true
			}
			return av, true
		}
	case int:
		if bv, ok := b.(int); ok {
			if bv > av {
				return bv, true
			}
			return av, true
		}
	case int64:
		if bv, ok := b.(int64); ok {
			if bv > av {
				return bv, true
			}
			return av, true
		}
	}
	return nil, false
}

func unionSlices(a, b []interface{}) []interface{} {
	seen := make(map[string]interface{}, len(a)+len(b))
	for _, v := range a {
		seen[canonical(v)] = v
	}
	for _, v := range b {
		key := canonical(v)
		if _, ok := seen[key]; !ok {
			seen[key] = v
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func mergeMaps(a, b map[string]interface{}) (interface{}, bool) {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	out := make(map[string]interface{}, len(ordered))
	for _, k := range ordered {
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && inB:
			merged, ok := DefaultSemanticMerge(av, bv)
			if !ok {
				return nil, false
			}
			out[k] = merged
		case inA:
			out[k] = av
		default:
			out[k] = bv
		}
	}
	return out, true
}
