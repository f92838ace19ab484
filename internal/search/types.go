// Package search implements the deterministic multi-branch retrieval pipeline:
// decomposition of a query into fixed reasoning angles, confidence scoring of
// retrieved evidence, and synthesis of the final cited answer.
//
// Everything in this package is a pure function over its inputs. Retrieval and
// persistence live elsewhere (internal/store, internal/audit); the pipeline here
// never touches the filesystem, the clock beyond timestamping, or any source of
// randomness, so identical inputs always produce identical outputs.
package search

import "time"

// NoEvidenceMarker is the literal rendered for a branch whose retrieval
// completed but found nothing in the local store.
const NoEvidenceMarker = "(no local evidence found)"

// StoreUnavailableMarker is the literal rendered for a branch whose retrieval
// could not be performed because the knowledge store was unreachable. It is
// deliberately distinct from NoEvidenceMarker: absence of evidence and failure
// to look are different answers.
const StoreUnavailableMarker = "(knowledge store unavailable)"

// Query is a single caller request. Immutable once created.
type Query struct {
	ID        string
	RawText   string
	Timestamp time.Time
}

// EvidenceRecord is one snippet retrieved from the local knowledge store.
// Immutable once fetched.
type EvidenceRecord struct {
	// SourceID identifies the store row the snippet came from, for citation.
	SourceID int64

	// Snippet is the stored text, verbatim. The synthesizer only ever quotes
	// this field; it never paraphrases or extends it.
	Snippet string

	// MatchStrength in [0,1], derived deterministically from how strongly the
	// record matched the lookup subject.
	MatchStrength float64
}

// Branch is one independent angle of inquiry spawned from a query.
// Created by Decompose, populated with evidence by the caller, and finalized
// by Evaluate. Not mutated after synthesis.
type Branch struct {
	Label       string
	SubQuestion string
	Evidence    []EvidenceRecord
	Confidence  float64
	Kept        bool

	// Unavailable is set when the store could not be queried for this branch.
	// Such a branch is never Kept and renders StoreUnavailableMarker.
	Unavailable bool
}

// BranchAnswer is the rendered form of one branch inside a SynthesizedAnswer:
// either cited evidence snippets or an explicit marker, never both.
type BranchAnswer struct {
	Label       string
	SubQuestion string
	Evidence    []string
	Marker      string
	Confidence  float64
}

// SynthesizedAnswer is the only artifact that crosses back to the caller.
type SynthesizedAnswer struct {
	QueryID  string
	Branches []BranchAnswer

	// Degraded is set when any branch could not be retrieved (store failure).
	Degraded bool

	// Text is the rendered answer, built exclusively from branch labels,
	// sub-questions, evidence snippets, and the fixed markers.
	Text string
}
