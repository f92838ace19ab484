package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeFixedBranchSet(t *testing.T) {
	got := Decompose(Query{ID: "q-1", RawText: "quantum gravity"})
	require.Len(t, got, 3)

	assert.Equal(t, "Historical", got[0].Label)
	assert.Equal(t, "What is the historical context of: quantum gravity", got[0].SubQuestion)
	assert.Equal(t, "Theoretical", got[1].Label)
	assert.Equal(t, "What are the theoretical principles behind: quantum gravity", got[1].SubQuestion)
	assert.Equal(t, "Practical", got[2].Label)
	assert.Equal(t, "What practical examples or proofs exist for: quantum gravity", got[2].SubQuestion)

	for _, b := range got {
		assert.Empty(t, b.Evidence)
		assert.Zero(t, b.Confidence)
		assert.False(t, b.Kept)
	}
}

func TestDecomposeDeterministic(t *testing.T) {
	q := Query{ID: "q-1", RawText: "entropy"}
	first := Decompose(q)
	second := Decompose(q)
	assert.Empty(t, cmp.Diff(first, second))
}

func TestDecomposeEmptyQuery(t *testing.T) {
	got := Decompose(Query{ID: "q-1", RawText: ""})
	require.Len(t, got, 3)
	assert.Equal(t, "What is the historical context of: ", got[0].SubQuestion)
}

func TestDecomposeEmbedsRawTextVerbatim(t *testing.T) {
	raw := "  %s weird {{chars}} \n and spacing  "
	got := Decompose(Query{RawText: raw})
	for _, b := range got {
		assert.Contains(t, b.SubQuestion, raw)
	}
}

func TestAngleLabelsMatchDecomposition(t *testing.T) {
	labels := AngleLabels()
	require.Equal(t, AngleCount(), len(labels))

	branches := Decompose(Query{RawText: "x"})
	for i, b := range branches {
		assert.Equal(t, labels[i], b.Label)
	}
}
