package graph

import "os"

// Strategy supplies the two judgments the evaluator delegates to its
// embedding system: whether an Output job's artifact already exists, and
// whether a recorded input value differs from the current one in a way
// that requires a rerun.
//
// Strategy methods are invoked synchronously from event processing and
// must not call back into the evaluator.
type Strategy interface {
	// OutputAlreadyPresent reports whether the artifact of the given
	// Output job exists. It is never called for Ephemeral or Always jobs.
	OutputAlreadyPresent(jobID string) bool

	// IsHistoryAltered reports whether the value the downstream last
	// observed from the upstream (prev) differs semantically from the
	// upstream's current value (curr). Implementations may treat certain
	// diffs (whitespace, version bumps) as non-altering. It is only called
	// with both values present; a missing recorded value always counts as
	// altered.
	IsHistoryAltered(upstreamID, downstreamID, prev, curr string) bool
}

// FileStrategy treats job ids of Output jobs as filesystem paths and
// compares history values byte for byte. It is the production default of
// the systems this evaluator is embedded in, where a job's id names the
// file it generates.
type FileStrategy struct{}

// OutputAlreadyPresent reports whether a file or directory named jobID
// exists.
func (FileStrategy) OutputAlreadyPresent(jobID string) bool {
	_, err := os.Stat(jobID)
	return err == nil
}

// IsHistoryAltered reports whether the two values differ.
func (FileStrategy) IsHistoryAltered(_, _, prev, curr string) bool {
	return prev != curr
}

// MemoryStrategy tracks artifact presence in an in-memory set. Intended
// for tests and dry runs.
type MemoryStrategy struct {
	// Done holds the ids of Output jobs whose artifact is considered
	// present.
	Done map[string]bool
}

// NewMemoryStrategy returns a MemoryStrategy with an empty done-set.
func NewMemoryStrategy() *MemoryStrategy {
	return &MemoryStrategy{Done: make(map[string]bool)}
}

// OutputAlreadyPresent reports whether the job was marked done.
func (m *MemoryStrategy) OutputAlreadyPresent(jobID string) bool {
	return m.Done[jobID]
}

// IsHistoryAltered reports whether the two values differ.
func (m *MemoryStrategy) IsHistoryAltered(_, _, prev, curr string) bool {
	return prev != curr
}
