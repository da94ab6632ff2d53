// Package graph provides the incremental job-graph evaluator.
//
// The evaluator decides, given a directed acyclic graph of jobs and the
// history of previous runs, which jobs must execute and in what order, and
// produces the history to persist for the next run. It performs no I/O
// itself: artifact checks and history comparison are delegated to a
// Strategy, and job execution is the caller's responsibility (see the
// runner subpackage for a ready-made driver).
package graph

import "strings"

// JobKind classifies how a job participates in incremental evaluation.
type JobKind int

const (
	// Output jobs produce a persistent artifact. They run when the
	// artifact is missing or when an input changed since the last
	// successful run.
	Output JobKind = iota

	// Ephemeral jobs produce no persistent artifact. They run only when a
	// downstream needs them (to materialize its inputs) or when their own
	// inputs changed, and become eligible for cleanup once every
	// downstream has finished.
	Ephemeral

	// Always jobs run on every invocation. Their reported value still
	// participates in downstream invalidation like any other.
	Always
)

// String returns the kind's canonical name.
func (k JobKind) String() string {
	switch k {
	case Output:
		return "Output"
	case Ephemeral:
		return "Ephemeral"
	case Always:
		return "Always"
	default:
		return "JobKind(?)"
	}
}

// edgeDelim separates upstream and downstream ids in history edge keys.
// The encoding is part of the persisted history format, so job ids must
// not contain it.
const edgeDelim = "!!!"

// EdgeKey returns the history key recording the value the upstream had the
// last time the downstream successfully observed it.
func EdgeKey(upstream, downstream string) string {
	return upstream + edgeDelim + downstream
}

// splitEdgeKey decomposes a history key into its upstream and downstream
// ids. ok is false for plain node keys.
func splitEdgeKey(key string) (upstream, downstream string, ok bool) {
	i := strings.Index(key, edgeDelim)
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+len(edgeDelim):], true
}
