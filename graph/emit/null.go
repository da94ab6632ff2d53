package emit

import "context"

// NullEmitter discards all events. It is the default emitter when
// observability is not wanted.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// EmitBatch discards all events.
func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush does nothing.
func (n *NullEmitter) Flush(context.Context) error { return nil }
