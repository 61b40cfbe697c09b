package emit

import "context"

// MultiEmitter fans every event out to a list of downstream emitters.
//
// This is the composition point for running more than one observability
// backend at once: the production daemon uses it to feed the engine's
// events both to the per-thread streaming dispatchers and to a structured
// log (and, when tracing is configured, to OpenTelemetry spans) without
// the engine knowing about any of them.
//
// Example usage:
//
//	logEmitter := emit.NewLogEmitter(os.Stderr, true)
//	emitter := emit.NewMultiEmitter(router, logEmitter)
//	engine := graph.New(schema, store, emitter)
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter over the given downstream
// emitters. Nil entries are skipped, so callers can pass optionally
// configured backends without guarding each one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// Emit forwards the event to every downstream emitter in order.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// EmitBatch forwards the batch to every downstream emitter. The first
// error stops the fan-out and is returned; earlier emitters have already
// received the batch, matching the at-least-once delivery the Emitter
// contract allows.
func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every downstream emitter, returning the first error but
// still attempting the rest so one failing backend cannot hold back the
// others' buffered events.
func (m *MultiEmitter) Flush(ctx context.Context) error {
	var first error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
