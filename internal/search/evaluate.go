package search

// Confidence formula: s/(s+2) where s is the sum of evidence match strengths.
// Monotonically non-decreasing in both evidence count and per-record strength,
// saturating toward 1.0, and 0 for an evidence-free branch. The constant 2
// means a single perfect-strength record scores 1/3 and confidence climbs
// toward certainty only as independent records accumulate.
const saturationConstant = 2.0

// ScoreBranch returns a copy of b with Confidence and Kept set.
// A branch with no evidence (or an unavailable store) is not kept, but it is
// not discarded either: it survives to synthesis so the answer can carry an
// explicit marker instead of silently omitting the angle.
func ScoreBranch(b Branch) Branch {
	if b.Unavailable {
		b.Confidence = 0
		b.Kept = false
		return b
	}

	var s float64
	for _, ev := range b.Evidence {
		s += ev.MatchStrength
	}
	b.Confidence = s / (s + saturationConstant)
	b.Kept = len(b.Evidence) > 0
	return b
}

// Evaluate scores every branch in place-order. Branches are never re-sorted:
// equal confidences preserve decomposition order by construction.
func Evaluate(branches []Branch) []Branch {
	scored := make([]Branch, len(branches))
	for i, b := range branches {
		scored[i] = ScoreBranch(b)
	}
	return scored
}
