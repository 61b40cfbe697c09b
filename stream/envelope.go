// Package stream implements the streaming dispatcher: it turns
// the graph runtime's internal emit.Event stream into a per-thread sequence
// of wire Envelopes that HTTP/SSE subscribers can consume, replay from a
// Last-Event-ID, and that survive slow or disconnected consumers without
// blocking the run that is producing them.
package stream

import "time"

// ProtocolVersion is the wire envelope's protocol_version field. A client
// sending an unsupported version is rejected by the boundary package
// before a stream ever starts.
const ProtocolVersion = "v1"

// Envelope is the wire record a subscriber receives:
// {protocol_version, seq_id, thread_id, run_id, timestamp, type, source,
// data}. SeqID is monotonic per thread_id and lets a late-attaching
// subscriber resume with Last-Event-ID rather than re-reading the whole run.
type Envelope struct {
	ProtocolVersion string    `json:"protocol_version"`
	SeqID           uint64    `json:"seq_id"`
	ThreadID        string    `json:"thread_id"`
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"timestamp"`
	Type            string    `json:"type"`
	Source          string    `json:"source,omitempty"`
	Data            any       `json:"data,omitempty"`
}

// The ten wire event types. Every Envelope dispatched by this package
// carries exactly one of these.
const (
	TypeLifecycleStart   = "lifecycle.start"
	TypeLifecycleEnd     = "lifecycle.end"
	TypeNodeStart        = "node.start"
	TypeNodeEnd          = "node.end"
	TypeStateUpdate      = "state.update"
	TypeContentDelta     = "content.delta"
	TypeInterruptRequest = "interrupt.request"
	TypeInterruptResolved = "interrupt.resolved"
	TypeError            = "error"
	TypeHeartbeat        = "heartbeat"
)

// Values for the lifecycle.end event's data.reason field.
const (
	ReasonComplete    = "complete"
	ReasonInterrupted = "interrupted"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)
