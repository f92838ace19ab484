package search

import (
	"fmt"
	"strings"
)

// Synthesize merges scored branches into the final answer, in decomposition
// order. It is a pure formatter: every cited fragment is an evidence snippet
// verbatim, and branches without evidence render their marker rather than being
// dropped. There is no generative step.
func Synthesize(queryID string, branches []Branch) *SynthesizedAnswer {
	ans := &SynthesizedAnswer{
		QueryID:  queryID,
		Branches: make([]BranchAnswer, 0, len(branches)),
	}

	var b strings.Builder
	for i, br := range branches {
		ba := BranchAnswer{
			Label:       br.Label,
			SubQuestion: br.SubQuestion,
			Confidence:  br.Confidence,
		}

		switch {
		case br.Unavailable:
			ba.Marker = StoreUnavailableMarker
			ans.Degraded = true
		case !br.Kept:
			ba.Marker = NoEvidenceMarker
		default:
			ba.Evidence = make([]string, len(br.Evidence))
			for j, ev := range br.Evidence {
				ba.Evidence[j] = ev.Snippet
			}
		}
		ans.Branches = append(ans.Branches, ba)

		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s\n", ba.Label, ba.SubQuestion)
		if ba.Marker != "" {
			fmt.Fprintf(&b, "  %s\n", ba.Marker)
			continue
		}
		for _, snippet := range ba.Evidence {
			fmt.Fprintf(&b, "  - %s\n", snippet)
		}
		fmt.Fprintf(&b, "  confidence: %.2f\n", ba.Confidence)
	}

	ans.Text = b.String()
	return ans
}
