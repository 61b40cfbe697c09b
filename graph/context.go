package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"

	"github.com/sosodennis/valuation-graph/graph/emit"
)

// contextKey avoids collisions with context keys from other packages.
type contextKey string

const (
	threadIDKey   contextKey = "valuationgraph.thread_id"
	namespaceKey  contextKey = "valuationgraph.namespace"
	nodeIDKey     contextKey = "valuationgraph.node_id"
	stepKey       contextKey = "valuationgraph.step"
	rngKey        contextKey = "valuationgraph.rng"
	resumeKey     contextKey = "valuationgraph.resume_values"
	callCounterKey contextKey = "valuationgraph.call_counter"
	emitterKey    contextKey = "valuationgraph.emitter"
)

// ThreadID returns the thread_id a node is executing under.
func ThreadID(ctx context.Context) string {
	v, _ := ctx.Value(threadIDKey).(string)
	return v
}

// Namespace returns the colon-joined subgraph path a node is executing
// under; the root graph's namespace is "".
func Namespace(ctx context.Context) string {
	v, _ := ctx.Value(namespaceKey).(string)
	return v
}

// NodeID returns the identifier of the node currently executing.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// Step returns the current superstep number.
func Step(ctx context.Context) int {
	v, _ := ctx.Value(stepKey).(int)
	return v
}

// RNG returns the run's deterministic random source. Nodes needing
// randomness must use this instead of the global math/rand or crypto/rand,
// or replay will diverge.
func RNG(ctx context.Context) *rand.Rand {
	v, _ := ctx.Value(rngKey).(*rand.Rand)
	return v
}

// nextCallIndex returns a monotonically increasing counter scoped to one
// node execution, so multiple interrupt.Interrupt calls within the same
// node body get distinct deterministic ids even though namespace/node/step
// are identical.
func nextCallIndex(ctx context.Context) int {
	counter, _ := ctx.Value(callCounterKey).(*int)
	if counter == nil {
		return 0
	}
	n := *counter
	*counter++
	return n
}

// withNodeContext returns a context carrying the node-scoped values a
// single Node.Run invocation observes.
func withNodeContext(ctx context.Context, threadID, namespace, nodeID string, step int, rng *rand.Rand, resume map[string]any, emitter emit.Emitter) context.Context {
	ctx = context.WithValue(ctx, threadIDKey, threadID)
	ctx = context.WithValue(ctx, namespaceKey, namespace)
	ctx = context.WithValue(ctx, nodeIDKey, nodeID)
	ctx = context.WithValue(ctx, stepKey, step)
	ctx = context.WithValue(ctx, rngKey, rng)
	ctx = context.WithValue(ctx, resumeKey, resume)
	ctx = context.WithValue(ctx, emitterKey, emitter)
	counter := new(int)
	ctx = context.WithValue(ctx, callCounterKey, counter)
	return ctx
}

// EmitContentDelta emits one token-fragment chunk on the stream_id
// channel as a content.delta event. Nodes that call a non-streaming
// model.ChatModel emit the full response as a single delta; a future
// streaming ChatModel can call this once per chunk instead. A no-op outside
// a node's context (no emitter attached, e.g. direct unit tests of a node
// function) or when the engine was built with a nil emitter.
func EmitContentDelta(ctx context.Context, streamID, text string) {
	emitter, _ := ctx.Value(emitterKey).(emit.Emitter)
	if emitter == nil {
		return
	}
	emitter.Emit(emit.Event{
		RunID:  ThreadID(ctx),
		NodeID: NodeID(ctx),
		Step:   Step(ctx),
		Msg:    "content_delta",
		Meta: map[string]interface{}{
			"namespace": Namespace(ctx),
			"stream_id": streamID,
			"text":      text,
		},
	})
}

// withResumeValues attaches the resume values supplied to Engine.Resume to
// ctx, ahead of withNodeContext per-node propagation in runNodeWithRetry.
func withResumeValues(ctx context.Context, values map[string]any) context.Context {
	return context.WithValue(ctx, resumeKey, values)
}

// resumeValuesFromContext reads back whatever withResumeValues attached, or
// nil if Resume was never called for this run.
func resumeValuesFromContext(ctx context.Context) map[string]any {
	m, _ := ctx.Value(resumeKey).(map[string]any)
	return m
}

// ResumeValue looks up a previously supplied resume value for the
// deterministic interrupt id derived from the current node context and
// call index. Exported for the interrupt package to call without creating
// an import cycle (interrupt imports graph; graph never imports
// interrupt).
func ResumeValue(ctx context.Context, interruptID string) (any, bool) {
	m, _ := ctx.Value(resumeKey).(map[string]any)
	if m == nil {
		return nil, false
	}
	v, ok := m[interruptID]
	return v, ok
}

// InterruptID derives the deterministic id for the next interrupt call
// inside the current node execution: sha256(namespace, node, step, call
// index), matching computeIdempotencyKey's hashing style.
func InterruptID(ctx context.Context) string {
	h := sha256.New()
	h.Write([]byte(Namespace(ctx)))
	h.Write([]byte{0})
	h.Write([]byte(NodeID(ctx)))
	h.Write([]byte{0})
	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(Step(ctx)))
	h.Write(stepBytes)
	idx := nextCallIndex(ctx)
	idxBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idxBytes, uint64(idx))
	h.Write(idxBytes)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
