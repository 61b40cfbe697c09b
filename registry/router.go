package registry

import (
	"context"
	"sync"

	"github.com/sosodennis/valuation-graph/graph/emit"
	"github.com/sosodennis/valuation-graph/stream"
)

// EventRouter is the emit.Emitter through which a Registry's shared
// graph.Engine reaches the per-thread dispatchers, either as the engine's
// emitter itself or as one leg of an emit.MultiEmitter. The engine is one
// instance running every thread's execution (registry.New's doc comment),
// so its events all arrive through one Emitter; EventRouter fans them back out by event.RunID (always a
// thread id, since every Run/Resume call is invoked with threadID) to the
// stream.Dispatcher the owning execution created in claim. Without this,
// each execution's dispatcher would never see the events its own run
// produces, since nothing else connects the engine's single emitter to any
// particular thread's subscribers.
type EventRouter struct {
	mu          sync.RWMutex
	dispatchers map[string]*stream.Dispatcher
}

// NewEventRouter creates an empty EventRouter. Construct one, pass it to
// graph.New as the engine's emitter, then pass the same value to
// registry.New.
func NewEventRouter() *EventRouter {
	return &EventRouter{dispatchers: make(map[string]*stream.Dispatcher)}
}

func (r *EventRouter) register(threadID string, d *stream.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[threadID] = d
}

func (r *EventRouter) unregister(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dispatchers, threadID)
}

func (r *EventRouter) dispatcherFor(threadID string) (*stream.Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[threadID]
	return d, ok
}

// Emit implements emit.Emitter, routing event to the dispatcher registered
// for event.RunID. An event for a thread with no registered dispatcher
// (already swept, or never claimed) is dropped, matching emit.Emitter's
// contract that a backend may drop events rather than block or panic.
func (r *EventRouter) Emit(event emit.Event) {
	if d, ok := r.dispatcherFor(event.RunID); ok {
		d.Emit(event)
	}
}

// EmitBatch implements emit.Emitter.
func (r *EventRouter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Emit(e)
	}
	return nil
}

// Flush implements emit.Emitter. Routing is synchronous, so there is
// nothing buffered to flush.
func (r *EventRouter) Flush(ctx context.Context) error { return nil }
