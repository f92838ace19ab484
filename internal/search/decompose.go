package search

import "fmt"

// angle pairs a branch label with the template that turns the raw query text
// into that angle's sub-question. The table is evaluated in order; the order is
// part of the contract (it fixes branch ordering everywhere downstream).
type angle struct {
	Label    string
	Template string
}

var angles = []angle{
	{Label: "Historical", Template: "What is the historical context of: %s"},
	{Label: "Theoretical", Template: "What are the theoretical principles behind: %s"},
	{Label: "Practical", Template: "What practical examples or proofs exist for: %s"},
}

// AngleCount returns the fixed number of branches every query decomposes into.
func AngleCount() int { return len(angles) }

// AngleLabels returns the branch labels in decomposition order.
func AngleLabels() []string {
	labels := make([]string, len(angles))
	for i, a := range angles {
		labels[i] = a.Label
	}
	return labels
}

// Decompose maps a query onto the fixed angle table. It is total and
// deterministic: every input, including the empty string, yields the full
// branch set in table order, with the raw text embedded verbatim. Branches come
// back un-scored and un-evidenced.
func Decompose(q Query) []Branch {
	branches := make([]Branch, 0, len(angles))
	for _, a := range angles {
		branches = append(branches, Branch{
			Label:       a.Label,
			SubQuestion: fmt.Sprintf(a.Template, q.RawText),
		})
	}
	return branches
}
