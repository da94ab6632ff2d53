package graph

import "github.com/IMTMarburg/pipegraph/graph/emit"

// Option configures an Evaluator at construction time.
type Option func(*Evaluator)

// WithEmitter routes the evaluator's lifecycle events (startup, ready,
// running, succeeded, failed, ...) to the given emitter. The default is a
// NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(ev *Evaluator) {
		if e != nil {
			ev.emitter = e
		}
	}
}

// WithMetrics attaches Prometheus metrics collection. If nil, metrics are
// not collected.
func WithMetrics(m *EvaluatorMetrics) Option {
	return func(ev *Evaluator) {
		ev.metrics = m
	}
}

// WithRunID tags emitted events with a run identifier. The evaluator does
// not interpret the value.
func WithRunID(runID string) Option {
	return func(ev *Evaluator) {
		ev.runID = runID
	}
}

// WithPropagationLimit overrides the iteration cap of the propagation
// worklist. The default scales with the number of registered jobs; raise
// it only for pathologically deep graphs. Exceeding the cap surfaces as an
// APIError with code PROPAGATION_STUCK.
func WithPropagationLimit(n int) Option {
	return func(ev *Evaluator) {
		ev.propagationLimit = n
	}
}
