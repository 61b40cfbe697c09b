// Package interrupt implements the human-in-the-loop suspension
// protocol: a node calls Interrupt from inside its Run method to pause
// the run and surface a payload to the caller; a later resume supplies a
// value back to the same call site.
//
// Interrupt panics with a *Suspend value, and the engine's per-node
// recover() converts it back into a suspension before it ever crosses a
// goroutine boundary. Suspension lives in the scheduler, not in stack
// unwinding: the panic never escapes the node's own goroutine.
package interrupt

import (
	"context"
	"fmt"

	"github.com/sosodennis/valuation-graph/graph"
)

// Suspend is the panic value Interrupt raises. It implements graph.Suspension
// so the engine's recover() can recognize and route it without importing
// this package (graph never imports interrupt; this package imports graph).
type Suspend struct {
	// ID is the deterministic interrupt id this suspension was raised
	// under, derived from (namespace, node, step, call index).
	ID string

	// Payload is the caller-visible value surfaced in the interrupt_request
	// event and the registry's pending-interrupt listing.
	Payload any
}

// Error implements error so Suspend can flow through any (Command, error)
// return path that doesn't specifically recover it.
func (s *Suspend) Error() string {
	return fmt.Sprintf("interrupt: suspended at %s", s.ID)
}

// InterruptPayload implements graph.Suspension.
func (s *Suspend) InterruptPayload() (id string, payload any) {
	return s.ID, s.Payload
}

// Interrupt suspends the calling node's execution, surfacing payload to
// whatever is consuming the run's events, and returns the value supplied by
// a matching ResumeCommand on a later re-entry of this same call site.
//
// A node that calls Interrupt must be safe to re-run from its start: on
// resume, the engine re-executes the node's Run method in full, and calls
// to Interrupt before this one must return the same resume values they did
// originally (they do, since ctx carries every resume value keyed by its
// deterministic interrupt id, not just the most recent one).
//
// Interrupt panics if no resume value is present for this call site's
// deterministic id, so the first (recording) pass always suspends.
func Interrupt(ctx context.Context, payload any) any {
	id := graph.InterruptID(ctx)
	if v, ok := graph.ResumeValue(ctx, id); ok {
		return v
	}
	panic(&Suspend{ID: id, Payload: payload})
}

// ResumeCommand carries the values needed to unblock one or more pending
// interrupts when a thread is resumed.
// InterruptID keys the values so multiple concurrent suspensions within the
// same superstep each receive the value meant for them.
type ResumeCommand struct {
	Values map[string]any
}

// NewResumeCommand creates an empty ResumeCommand.
func NewResumeCommand() *ResumeCommand {
	return &ResumeCommand{Values: make(map[string]any)}
}

// WithValue adds the resume value for a specific interrupt id.
func (c *ResumeCommand) WithValue(interruptID string, value any) *ResumeCommand {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[interruptID] = value
	return c
}
