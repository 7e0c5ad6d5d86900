package conflict

// ResolveTransform merges ordered-sequence edits positionally, the way
// collaborative-text merge interleaves concurrent insertions. Candidates must
// hold []interface{} sequences; anything else is unresolvable.
//
// The merge keeps the longest common subsequence of the two sequences as a
// skeleton and interleaves each side's private runs at the gap where they
// occurred, lower agent id first. Candidates are folded in sorted order, so
// the output is a pure function of the candidate set.
func ResolveTransform(ctx Context) Resolution {
	ordered := sortCandidates(ctx.Candidates)

	acc, ok := ordered[0].Value.([]interface{})
	if !ok {
		return Resolution{Strategy: StrategyTransform, Unresolved: true, Retained: ordered}
	}
	for _, c := range ordered[1:] {
		seq, ok := c.Value.([]interface{})
		if !ok {
			return Resolution{Strategy: StrategyTransform, Unresolved: true, Retained: ordered}
		}
		acc = transformMerge(acc, seq)
	}
	return Resolution{Winner: acc, Strategy: StrategyTransform, Merged: true}
}

// transformMerge interleaves two sequences around their longest common
// subsequence. Elements compare by canonical JSON form.
func transformMerge(a, b []interface{}) []interface{} {
	lcs := longestCommonSubsequence(a, b)

	out := make([]interface{}, 0, len(a)+len(b))
	ai, bi := 0, 0
	for _, anchor := range lcs {
		for ai < len(a) && canonical(a[ai]) != anchor {
			out = append(out, a[ai])
			ai++
		}
		for bi < len(b) && canonical(b[bi]) != anchor {
			out = append(out, b[bi])
			bi++
		}
		// Emit the anchor once, advancing past it on both sides.
		out = append(out, a[ai])
		ai++
		bi++
	}
	for ; ai < len(a); ai++ {
		out = append(out, a[ai])
	}
	for ; bi < len(b); bi++ {
		out = append(out, b[bi])
	}
	return out
}

// longestCommonSubsequence returns the canonical forms of an LCS of a and b.
func longestCommonSubsequence(a, b []interface{}) []string {
	ca := make([]string, len(a))
	for i, v := range a {
		ca[i] = canonical(v)
	}
	cb := make([]string, len(b))
	for i, v := range b {
		cb[i] = canonical(v)
	}

	// Standard dynamic program over lengths.
	dp := make([][]int, len(ca)+1)
	for i := range dp {
		dp[i] = make([]int, len(cb)+1)
	}
	for i := len(ca) - 1; i >= 0; i-- {
		for j := len(cb) - 1; j >= 0; j-- {
			if ca[i] == cb[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	out := make([]string, 0, dp[0][0])
	i, j := 0, 0
	for i < len(ca) && j < len(cb) {
		switch {
		case ca[i] == cb[j]:
			out = append(out, ca[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}
