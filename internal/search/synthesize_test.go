package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoredBranches() []Branch {
	return Evaluate([]Branch{
		{
			Label:       "Historical",
			SubQuestion: "What is the historical context of: gravity",
			Evidence: []EvidenceRecord{
				{SourceID: 1, Snippet: "Newton published Principia in 1687.", MatchStrength: 0.4},
			},
		},
		{
			Label:       "Theoretical",
			SubQuestion: "What are the theoretical principles behind: gravity",
		},
		{
			Label:       "Practical",
			SubQuestion: "What practical examples or proofs exist for: gravity",
			Unavailable: true,
		},
	})
}

func TestSynthesizeBranchOrdering(t *testing.T) {
	ans := Synthesize("q-1", scoredBranches())
	require.Len(t, ans.Branches, 3)
	assert.Equal(t, "q-1", ans.QueryID)

	assert.Equal(t, "Historical", ans.Branches[0].Label)
	assert.Equal(t, "Theoretical", ans.Branches[1].Label)
	assert.Equal(t, "Practical", ans.Branches[2].Label)

	// Rendered text follows the same order.
	hist := strings.Index(ans.Text, "[Historical]")
	theo := strings.Index(ans.Text, "[Theoretical]")
	prac := strings.Index(ans.Text, "[Practical]")
	assert.True(t, hist >= 0 && hist < theo && theo < prac)
}

func TestSynthesizeMarkers(t *testing.T) {
	ans := Synthesize("q-1", scoredBranches())

	kept := ans.Branches[0]
	assert.Empty(t, kept.Marker)
	require.Len(t, kept.Evidence, 1)

	noEvidence := ans.Branches[1]
	assert.Equal(t, NoEvidenceMarker, noEvidence.Marker)
	assert.Empty(t, noEvidence.Evidence)
	assert.Contains(t, ans.Text, NoEvidenceMarker)

	unavailable := ans.Branches[2]
	assert.Equal(t, StoreUnavailableMarker, unavailable.Marker)
	assert.Contains(t, ans.Text, StoreUnavailableMarker)
	assert.True(t, ans.Degraded)
}

func TestSynthesizeNotDegradedWithoutStoreFailure(t *testing.T) {
	branches := scoredBranches()[:2]
	ans := Synthesize("q-1", branches)
	assert.False(t, ans.Degraded)
}

func TestSynthesizeQuotesEvidenceVerbatim(t *testing.T) {
	ans := Synthesize("q-1", scoredBranches())
	assert.Contains(t, ans.Text, "Newton published Principia in 1687.")
	assert.Equal(t, "Newton published Principia in 1687.", ans.Branches[0].Evidence[0])
}

func TestSynthesizeDeterministic(t *testing.T) {
	a := Synthesize("q-1", scoredBranches())
	b := Synthesize("q-1", scoredBranches())
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Branches, b.Branches)
}

func TestSynthesizeEmptyBranchList(t *testing.T) {
	ans := Synthesize("q-1", nil)
	assert.Empty(t, ans.Branches)
	assert.Empty(t, ans.Text)
	assert.False(t, ans.Degraded)
}
