package emit

import "context"

// Emitter receives observability events from evaluator runs.
//
// Emitters enable pluggable backends: logging (LogEmitter), in-memory
// capture for tests and dashboards (BufferedEmitter), distributed tracing
// (OTelEmitter), or nothing at all (NullEmitter).
//
// Implementations must be safe for concurrent use and must not call back
// into the evaluator. Emit is invoked synchronously from event processing,
// so slow backends should buffer or drop rather than block.
type Emitter interface {
	// Emit delivers a single event. It must not panic; internal errors
	// should be logged and swallowed.
	Emit(event Event)

	// EmitBatch delivers multiple events in order. Implementations should
	// handle partial failures gracefully and return an error only on
	// catastrophic misconfiguration.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events reach the backend or the context
	// expires. Safe to call multiple times.
	Flush(ctx context.Context) error
}
