package graph

import "errors"

// ErrEphemeralChangedOutput is returned by EventJobFinishedSuccess when an
// ephemeral job that was rerun to satisfy downstream demand (rather than
// because its own inputs changed) reports a value different from its
// recorded one. Downstream skip decisions rely on ephemeral reruns being
// reproducible, so a changed value means parts of the run may be stale.
// The success is still applied in full; the caller decides whether to log
// and continue or to abort the run.
var ErrEphemeralChangedOutput = errors.New("ephemeral job changed its output on a rerun that did not invalidate it")

// API error codes carried by APIError.
const (
	CodeUnknownJob       = "UNKNOWN_JOB"
	CodeBadJobID         = "BAD_JOB_ID"
	CodeDuplicateJob     = "DUPLICATE_JOB"
	CodeDuplicateEdge    = "DUPLICATE_EDGE"
	CodeSelfEdge         = "SELF_EDGE"
	CodeCycle            = "CYCLE"
	CodeDoubleStartup    = "DOUBLE_STARTUP"
	CodeNotStarted       = "NOT_STARTED"
	CodeBadTransition    = "BAD_TRANSITION"
	CodePropagationStuck = "PROPAGATION_STUCK"
)

// APIError reports misuse of the evaluator: unknown ids, duplicate
// registration, cycles, events in an illegal order, or a propagation pass
// that failed to reach a fixed point. After an APIError from an event
// method the evaluator's state may be inconsistent and should be
// discarded.
type APIError struct {
	Message string
	Code    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func apiErr(code, msg string) *APIError {
	return &APIError{Message: msg, Code: code}
}
