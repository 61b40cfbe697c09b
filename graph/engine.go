// Package graph provides the core graph execution engine for the valuation
// orchestrator.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph/emit"
)

// inputSummaryMaxLen bounds the lifecycle.start data.input_summary field
// so a large input state doesn't blow up an SSE line.
const inputSummaryMaxLen = 256

// Engine orchestrates a compiled graph as a sequence of Pregel-style
// supersteps: at each step it runs every active node
// concurrently, merges their writes through the schema's declared
// reducers, persists the result as a checkpoint, and routes to the next
// step's active set via explicit Command.Goto or, failing that, static/
// conditional Edges.
//
// State is a graph.State (named channels) merged per-channel by the
// Schema's declared reducers. The superstep barrier is an errgroup.Group:
// execution is a discrete fan-out/fan-in step with a merge point between
// each hop, not an open worker pool that keeps pulling work across step
// boundaries.
type Engine struct {
	mu sync.RWMutex

	schema    *Schema
	nodes     map[string]Node
	policies  map[string]NodePolicy
	edges     []Edge
	startNode string

	checkpointer checkpoint.Saver
	emitter      emit.Emitter
	metrics      *PrometheusMetrics
	costTracker  *CostTracker

	opts Options
}

// New creates an Engine over schema, persisting through checkpointer and
// reporting through emitter. Either may be nil: a nil checkpointer disables
// durability (tests only), a nil emitter discards events. Accepts either
// an Options struct or functional Option values.
func New(schema *Schema, checkpointer checkpoint.Saver, emitter emit.Emitter, options ...interface{}) *Engine {
	cfg := &engineConfig{opts: Options{}}
	for _, opt := range options {
		switch v := opt.(type) {
		case Options:
			cfg.opts = v
		case Option:
			_ = v(cfg)
		}
	}
	return &Engine{
		schema:       schema,
		nodes:        make(map[string]Node),
		policies:     make(map[string]NodePolicy),
		checkpointer: checkpointer,
		emitter:      emitter,
		metrics:      cfg.opts.Metrics,
		costTracker:  cfg.opts.CostTracker,
		opts:         cfg.opts,
	}
}

// Add registers a node, optionally with a policy (retry/timeout/idempotency
// key function). Node IDs must be unique within the graph.
func (e *Engine) Add(nodeID string, node Node, policy ...NodePolicy) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	if len(policy) > 0 {
		e.policies[nodeID] = policy[0]
	}
	return nil
}

// StartAt designates the entry node for step 0.
func (e *Engine) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// Connect adds a static or conditional edge, consulted only when a node's
// Command carries no explicit Goto.
func (e *Engine) Connect(from, to string, when Predicate) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "INVALID_EDGE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, Edge{From: from, To: to, When: when})
	return nil
}

const (
	defaultRecursionLimit = 250
	defaultMaxConcurrent  = 8
	defaultQueueDepth     = 1024
)

// Run starts a fresh execution of the root graph (namespace "") for
// threadID, persisting input as the first (source: input) checkpoint.
func (e *Engine) Run(ctx context.Context, threadID string, input State) (State, error) {
	return e.RunNamespace(ctx, threadID, "", input)
}

// RunNamespace runs the graph under an explicit namespace. Root callers
// should use Run; subgraphNode invokes this directly with a composed
// namespace (parent namespace + ":" + node id).
func (e *Engine) RunNamespace(ctx context.Context, threadID, namespace string, input State) (State, error) {
	if e.startNode == "" {
		return nil, &EngineError{Message: "start node not set (call StartAt before Run)", Code: "NO_START_NODE"}
	}

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	remaining := e.opts.MaxSteps
	if remaining <= 0 {
		remaining = defaultRecursionLimit
	}

	state, err := input.Clone()
	if err != nil {
		return nil, err
	}
	rng := deterministicRNG(threadID + "\x00" + namespace)

	batch := []WorkItem{{
		StepID:       0,
		OrderKey:     ComputeOrderKey("__start__", 0),
		NodeID:       e.startNode,
		Namespace:    namespace,
		ParentNodeID: "__start__",
	}}
	source := checkpoint.SourceInput
	parentID := ""

	e.emitRunStart(threadID, namespace, state)

	step := 0
	for len(batch) > 0 {
		select {
		case <-ctx.Done():
			return state, e.emitRunStopped(threadID, namespace, ctx.Err())
		default:
		}

		if remaining <= 0 {
			e.emitError(threadID, namespace, "", ErrRecursionLimit)
			e.emitLifecycle(threadID, namespace, "run_error", ErrRecursionLimit)
			return state, ErrRecursionLimit
		}
		remaining--
		step++

		merged, writes, next, suspensions, err := e.runSuperstep(ctx, threadID, namespace, step, batch, state, rng)
		if err != nil {
			e.emitError(threadID, namespace, "", err)
			e.emitLifecycle(threadID, namespace, "run_error", err)
			return state, err
		}
		state = merged

		if len(suspensions) > 0 {
			extra, merr := buildSuspendExtra(batch, suspensions)
			if merr != nil {
				return state, &EngineError{Message: "encode pending batch failed", Code: "persistence_failure", Cause: merr}
			}
			if _, perr := e.persist(ctx, threadID, namespace, checkpoint.SourceInterrupt, step, parentID, batch, state, writes, extra); perr != nil {
				return state, &EngineError{Message: "checkpoint commit failed", Code: "persistence_failure", Cause: perr}
			}
			for _, s := range suspensions {
				id, payload := s.InterruptPayload()
				e.emitInterruptRequest(threadID, namespace, id, payload)
			}
			e.emitLifecycle(threadID, namespace, "run_interrupted", nil)
			return state, &SuspendedError{Suspensions: suspensions}
		}

		newParent, perr := e.persist(ctx, threadID, namespace, source, step, parentID, batch, state, writes, nil)
		if perr != nil {
			e.emitLifecycle(threadID, namespace, "run_error", perr)
			return state, &EngineError{Message: "checkpoint commit failed", Code: "persistence_failure", Cause: perr}
		}
		parentID = newParent
		e.emitStateUpdates(threadID, namespace, writes)
		source = checkpoint.SourceLoop
		batch = next
	}

	e.emitLifecycle(threadID, namespace, "run_complete", nil)
	return state, nil
}

// buildSuspendExtra encodes the pending batch and the set of interrupt ids
// the suspending supersteps raised into a SourceInterrupt checkpoint's
// Metadata.Extra, so Resume can both reconstruct the batch and validate a
// resume payload's keys against the ids actually pending (ErrUnknownInterrupt).
func buildSuspendExtra(batch []WorkItem, suspensions []Suspension) (map[string]string, error) {
	pendingJSON, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(suspensions))
	for _, s := range suspensions {
		id, _ := s.InterruptPayload()
		ids = append(ids, id)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	payloads := make(map[string]any, len(suspensions))
	for _, s := range suspensions {
		id, payload := s.InterruptPayload()
		payloads[id] = payload
	}
	payloadsJSON, err := json.Marshal(payloads)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"pending_batch":      string(pendingJSON),
		"pending_interrupts": string(idsJSON),
		"interrupt_payloads": string(payloadsJSON),
	}, nil
}

// emitRunStopped translates a context cancellation/deadline into the
// correct lifecycle Msg (run_cancelled vs run_error) and returns err
// unchanged for the caller to propagate.
func (e *Engine) emitRunStopped(threadID, namespace string, err error) error {
	if errors.Is(err, context.Canceled) {
		e.emitLifecycle(threadID, namespace, "run_cancelled", nil)
	} else {
		e.emitError(threadID, namespace, "", err)
		e.emitLifecycle(threadID, namespace, "run_error", err)
	}
	return err
}

// runSuperstep executes every WorkItem in batch concurrently (bounded by
// Options.MaxConcurrentNodes, default 8) via an errgroup, joins at the
// barrier, and merges the collected deltas through the schema's reducers.
// A branch that suspends (interrupt.Interrupt) is reported separately from
// a hard failure: one or more suspensions abort routing for this step but
// are not themselves an error.
func (e *Engine) runSuperstep(
	ctx context.Context,
	threadID, namespace string,
	step int,
	batch []WorkItem,
	base State,
	rng *rand.Rand,
) (State, []checkpoint.Write, []WorkItem, []Suspension, error) {
	limit := e.opts.MaxConcurrentNodes
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}

	if e.metrics != nil {
		e.metrics.UpdateInflightNodes(len(batch))
		defer e.metrics.UpdateInflightNodes(0)
	}

	var mu sync.Mutex
	var deltas []delta
	var writes []checkpoint.Write
	var nextBatch []WorkItem
	var suspensions []Suspension

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range batch {
		item := item
		edgeBase := i * 1000
		g.Go(func() error {
			e.emitNodeStart(threadID, namespace, item.NodeID, step)
			start := time.Now()

			cmd, suspend, err := e.runNodeWithRetry(gctx, threadID, namespace, item, base, step, rng)

			if e.metrics != nil {
				status := "success"
				if err != nil {
					status = "error"
				}
				e.metrics.RecordStepLatency(threadID, item.NodeID, time.Since(start), status)
			}

			mu.Lock()
			defer mu.Unlock()

			if suspend != nil {
				suspensions = append(suspensions, suspend)
				e.emitNodeEnd(threadID, namespace, item.NodeID, step, "suspended")
				return nil
			}
			if err != nil {
				e.emitNodeEnd(threadID, namespace, item.NodeID, step, "error")
				return fmt.Errorf("node %s: %w", item.NodeID, err)
			}
			e.emitNodeEnd(threadID, namespace, item.NodeID, step, "ok")

			for ch, v := range cmd.Update {
				raw, encErr := checkpoint.EncodeValue(v)
				if encErr != nil {
					return &EngineError{
						Message: fmt.Sprintf("node %s wrote an unencodable value to channel %s", item.NodeID, ch),
						Code:    "persistence_failure",
						Cause:   encErr,
					}
				}
				deltas = append(deltas, delta{nodeID: item.NodeID, orderKey: item.OrderKey, values: State{ch: v}})
				writes = append(writes, checkpoint.Write{Channel: ch, NodeID: item.NodeID, Value: raw})
			}

			if cmd.Terminal {
				return nil
			}

			targets := cmd.Goto
			if len(targets) == 0 {
				if to := e.evaluateEdges(item.NodeID, base); to != "" {
					targets = []string{to}
				}
			}
			for idx, to := range targets {
				nextBatch = append(nextBatch, WorkItem{
					StepID:       step + 1,
					OrderKey:     ComputeOrderKey(item.NodeID, edgeBase+idx),
					NodeID:       to,
					Namespace:    namespace,
					ParentNodeID: item.NodeID,
					EdgeIndex:    idx,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, nil, nil, err
	}

	if len(suspensions) > 0 {
		return base, nil, nil, suspensions, nil
	}

	merged, err := mergeDeltas(e.schema, base, deltas)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncrementMergeConflicts(threadID, "overwrite")
		}
		return nil, nil, nil, nil, err
	}

	sort.Slice(nextBatch, func(i, j int) bool { return nextBatch[i].OrderKey < nextBatch[j].OrderKey })
	if e.metrics != nil {
		e.metrics.UpdateQueueDepth(len(nextBatch))
		queueDepth := e.opts.QueueDepth
		if queueDepth <= 0 {
			queueDepth = defaultQueueDepth
		}
		if len(nextBatch) >= queueDepth {
			e.metrics.IncrementBackpressure(threadID, "next_batch_at_capacity")
		}
	}
	return merged, writes, nextBatch, nil, nil
}

// runNodeWithRetry executes one node under its policy's timeout and retry
// policy, routing a per-node-execution context (thread/namespace/node/step/
// rng) so interrupt.Interrupt, graph.RNG, and graph.InterruptID work inside
// the node body. A Suspension is returned alongside a nil error to signal
// "this branch paused", distinct from a hard node failure.
func (e *Engine) runNodeWithRetry(
	ctx context.Context,
	threadID, namespace string,
	item WorkItem,
	input State,
	step int,
	rng *rand.Rand,
) (Command, Suspension, error) {
	e.mu.RLock()
	node, ok := e.nodes[item.NodeID]
	policy := e.policies[item.NodeID]
	e.mu.RUnlock()
	if !ok {
		return Command{}, nil, &EngineError{Message: "node not found: " + item.NodeID, Code: "NODE_NOT_FOUND"}
	}
	if input == nil {
		input = State{}
	}

	resumeValues := resumeValuesFromContext(ctx)
	retry := policy.RetryPolicy
	if retry == nil {
		retry = e.opts.DefaultRetryPolicy
	}
	attempt := 0
	for {
		nodeCtx := withNodeContext(ctx, threadID, namespace, item.NodeID, step, rng, resumeValues, e.emitter)
		cmd, err := executeNodeWithTimeout(nodeCtx, node, item.NodeID, input, &policy, e.opts.DefaultNodeTimeout)

		if err == nil {
			return cmd, nil, nil
		}
		if susp, ok := asSuspension(err); ok {
			return Command{}, susp, nil
		}
		if retry == nil {
			return Command{}, nil, err
		}
		if verr := retry.Validate(); verr != nil {
			return Command{}, nil, verr
		}
		retryable := retry.Retryable != nil && retry.Retryable(err)
		if !retryable || attempt+1 >= retry.MaxAttempts {
			if e.metrics != nil {
				e.metrics.IncrementRetries(threadID, item.NodeID, "exhausted")
			}
			return Command{}, nil, &EngineError{Message: err.Error(), Code: "retry_exhausted", Cause: ErrMaxAttemptsExceeded}
		}
		delay := computeBackoff(attempt, retry, rng)
		if e.metrics != nil {
			e.metrics.IncrementRetries(threadID, item.NodeID, "retry")
		}
		select {
		case <-ctx.Done():
			return Command{}, nil, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// evaluateEdges returns the first matching static/conditional edge's
// destination for from, or "" if none match.
func (e *Engine) evaluateEdges(from string, state State) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// persist commits the superstep's resulting state to the checkpointer, if
// one is configured. A nil checkpointer is permitted only for tests that
// don't exercise durability. The idempotency key is derived from the batch
// that produced this state (computeIdempotencyKey) so a retried commit for
// the same superstep is recognized as a duplicate rather than silently
// double-applied. extra carries out-of-band metadata (e.g. the pending
// batch for a suspended step, so Resume can reconstruct it later) and may
// be nil. parentID links the new checkpoint to the one it was derived
// from, forming the checkpoint DAG; it is "" only for a run's first
// checkpoint. persist returns the new checkpoint's id so the caller can
// thread it through as the next step's parentID.
func (e *Engine) persist(ctx context.Context, threadID, namespace string, source checkpoint.Source, step int, parentID string, batch []WorkItem, state State, writes []checkpoint.Write, extra map[string]string) (string, error) {
	if e.checkpointer == nil {
		return "", nil
	}
	blob, err := checkpoint.EncodeState(state)
	if err != nil {
		return "", err
	}
	idempotencyKey, err := computeIdempotencyKey(threadID, namespace, step, batch, state)
	if err != nil {
		return "", err
	}
	cp := checkpoint.Checkpoint{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: newCheckpointID(threadID, namespace, step, source, parentID),
		ParentID:     parentID,
		Metadata:     checkpoint.Metadata{Source: source, Step: step, Extra: extra},
		State:        blob,
		CreatedAt:    timeNow(),
	}
	if err := e.checkpointer.Put(ctx, cp, writes, idempotencyKey); err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

// UpdateState writes a new checkpoint with caller-supplied channel values,
// the primitive behind time-travel forks: it loads
// checkpointID (or the namespace's latest checkpoint, if empty), merges
// values into its state through the same reducer logic a superstep commit
// uses, and persists the result as a new checkpoint parented on checkpointID
// — forking the history rather than overwriting it, so the run's prior
// checkpoints remain resumable. asNode attributes the write for reducers
// (e.g. Append) that key behavior on the writing node's identity; it need
// not name a node actually registered in the graph.
func (e *Engine) UpdateState(ctx context.Context, threadID, namespace, checkpointID string, values State, asNode string) (State, error) {
	if e.checkpointer == nil {
		return nil, &EngineError{Message: "no checkpointer configured, cannot update state", Code: "NO_CHECKPOINTER"}
	}
	cp, _, err := e.checkpointer.Get(ctx, threadID, namespace, checkpointID)
	if err != nil {
		return nil, &EngineError{Message: "load checkpoint failed", Code: "NOT_FOUND", Cause: err}
	}
	channels, err := checkpoint.DecodeState(cp.State)
	if err != nil {
		return nil, &EngineError{Message: "decode checkpoint state failed", Code: "persistence_failure", Cause: err}
	}
	base := State(channels)

	merged, err := mergeDeltas(e.schema, base, []delta{{nodeID: asNode, orderKey: 0, values: values}})
	if err != nil {
		return nil, err
	}

	var newWrites []checkpoint.Write
	for ch, v := range values {
		raw, encErr := checkpoint.EncodeValue(v)
		if encErr != nil {
			return nil, &EngineError{Message: "encode update value failed", Code: "persistence_failure", Cause: encErr}
		}
		newWrites = append(newWrites, checkpoint.Write{Channel: ch, NodeID: asNode, Value: raw})
	}

	blob, err := checkpoint.EncodeState(merged)
	if err != nil {
		return nil, err
	}
	newCP := checkpoint.Checkpoint{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: newForkCheckpointID(cp.CheckpointID, asNode, blob),
		ParentID:     cp.CheckpointID,
		Metadata:     checkpoint.Metadata{Source: checkpoint.SourceUpdate, Step: cp.Metadata.Step},
		State:        blob,
		CreatedAt:    timeNow(),
	}
	if err := e.checkpointer.Put(ctx, newCP, newWrites, ""); err != nil {
		return nil, &EngineError{Message: "checkpoint commit failed", Code: "persistence_failure", Cause: err}
	}

	e.emitStateUpdates(threadID, namespace, newWrites)
	return merged, nil
}

// Resume continues a suspended run, injecting resumeValues (keyed by
// deterministic interrupt id) into the re-executed node(s)' context. It
// loads the latest checkpoint for (threadID, namespace), which must have
// been committed with source "interrupt", reconstructs the pending batch
// from its Metadata.Extra, and re-enters the superstep loop from there —
// re-running each previously-suspended node in full, per the package-level
// contract that nodes must be idempotent across resume.
func (e *Engine) Resume(ctx context.Context, threadID, namespace string, resumeValues map[string]any) (State, error) {
	if e.checkpointer == nil {
		return nil, &EngineError{Message: "no checkpointer configured, cannot resume", Code: "NO_CHECKPOINTER"}
	}
	cp, _, err := e.checkpointer.Get(ctx, threadID, namespace, "")
	if err != nil {
		return nil, &EngineError{Message: "load checkpoint failed", Code: "NOT_FOUND", Cause: err}
	}
	if cp.Metadata.Source != checkpoint.SourceInterrupt {
		return nil, &EngineError{Message: "latest checkpoint is not a pending interrupt", Code: "NOT_SUSPENDED"}
	}
	pendingJSON, ok := cp.Metadata.Extra["pending_batch"]
	if !ok {
		return nil, &EngineError{Message: "checkpoint has no pending batch recorded", Code: "NOT_SUSPENDED"}
	}
	var batch []WorkItem
	if err := json.Unmarshal([]byte(pendingJSON), &batch); err != nil {
		return nil, &EngineError{Message: "decode pending batch failed", Code: "persistence_failure", Cause: err}
	}
	if idsJSON, ok := cp.Metadata.Extra["pending_interrupts"]; ok {
		var pendingIDs []string
		if err := json.Unmarshal([]byte(idsJSON), &pendingIDs); err != nil {
			return nil, &EngineError{Message: "decode pending interrupts failed", Code: "persistence_failure", Cause: err}
		}
		known := make(map[string]struct{}, len(pendingIDs))
		for _, id := range pendingIDs {
			known[id] = struct{}{}
		}
		for id := range resumeValues {
			if _, ok := known[id]; !ok {
				return nil, &EngineError{Message: fmt.Sprintf("resume value references unknown interrupt id %q", id), Code: "not_found", Cause: ErrUnknownInterrupt}
			}
		}
	}
	channels, err := checkpoint.DecodeState(cp.State)
	if err != nil {
		return nil, &EngineError{Message: "decode checkpoint state failed", Code: "persistence_failure", Cause: err}
	}
	state := State(channels)

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	remaining := e.opts.MaxSteps
	if remaining <= 0 {
		remaining = defaultRecursionLimit
	}
	rng := deterministicRNG(threadID + "\x00" + namespace)

	e.emitRunResumed(threadID, namespace, resumeValues)
	for id := range resumeValues {
		e.emitInterruptResolved(threadID, namespace, id)
	}
	step := cp.Metadata.Step
	parentID := cp.CheckpointID
	source := checkpoint.SourceLoop
	firstBatch := true
	for len(batch) > 0 {
		select {
		case <-ctx.Done():
			return state, e.emitRunStopped(threadID, namespace, ctx.Err())
		default:
		}
		if remaining <= 0 {
			e.emitError(threadID, namespace, "", ErrRecursionLimit)
			e.emitLifecycle(threadID, namespace, "run_error", ErrRecursionLimit)
			return state, ErrRecursionLimit
		}
		remaining--

		// The first resumed batch re-executes the exact superstep that
		// suspended, at the same step number, so a suspended node's
		// InterruptID (derived from namespace/node/step) recomputes
		// identically and matches the id resumeValues is keyed by.
		// Later supersteps advance step normally.
		if firstBatch {
			firstBatch = false
		} else {
			step++
		}

		resumeCtx := ctx
		if len(resumeValues) > 0 {
			resumeCtx = withResumeValues(ctx, resumeValues)
		}

		merged, writes, next, suspensions, err := e.runSuperstep(resumeCtx, threadID, namespace, step, batch, state, rng)
		if err != nil {
			e.emitError(threadID, namespace, "", err)
			e.emitLifecycle(threadID, namespace, "run_error", err)
			return state, err
		}
		state = merged

		if len(suspensions) > 0 {
			extra, merr := buildSuspendExtra(batch, suspensions)
			if merr != nil {
				return state, &EngineError{Message: "encode pending batch failed", Code: "persistence_failure", Cause: merr}
			}
			if _, perr := e.persist(ctx, threadID, namespace, checkpoint.SourceInterrupt, step, parentID, batch, state, writes, extra); perr != nil {
				return state, &EngineError{Message: "checkpoint commit failed", Code: "persistence_failure", Cause: perr}
			}
			for _, s := range suspensions {
				id, payload := s.InterruptPayload()
				e.emitInterruptRequest(threadID, namespace, id, payload)
			}
			e.emitLifecycle(threadID, namespace, "run_interrupted", nil)
			return state, &SuspendedError{Suspensions: suspensions}
		}

		newParent, perr := e.persist(ctx, threadID, namespace, source, step, parentID, batch, state, writes, nil)
		if perr != nil {
			e.emitLifecycle(threadID, namespace, "run_error", perr)
			return state, &EngineError{Message: "checkpoint commit failed", Code: "persistence_failure", Cause: perr}
		}
		parentID = newParent
		e.emitStateUpdates(threadID, namespace, writes)
		batch = next
	}

	e.emitLifecycle(threadID, namespace, "run_complete", nil)
	return state, nil
}

// SuspendedError is returned by RunNamespace when the execution stops
// because one or more branches called interrupt.Interrupt. It is not a
// failure: the last checkpoint committed (source: interrupt) is the
// authoritative resume point, and the caller resumes by routing
// ResumeCommand values keyed by InterruptID back into the node context.
type SuspendedError struct {
	Suspensions []Suspension
}

func (se *SuspendedError) Error() string {
	return fmt.Sprintf("graph: execution suspended with %d pending interrupt(s)", len(se.Suspensions))
}

// deterministicRNG seeds a *rand.Rand from sha256(seed), keyed by the
// thread_id+namespace pair so sibling subgraphs get independent streams.
func deterministicRNG(seed string) *rand.Rand {
	h := sha256.New()
	h.Write([]byte(seed))
	sum := h.Sum(nil)
	s := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seed, not security sensitive
	return rand.New(rand.NewSource(s))           // #nosec G404 -- deterministic RNG for replay, not security
}

// newCheckpointID derives a stable checkpoint id from the thread,
// namespace, step, source, and parent so repeated commits for the same
// coordinate produce the same id, while remaining distinct across steps
// and across the re-execution of a suspended step: the superstep that
// re-runs after a resume carries the same step number as the interrupt
// checkpoint it resumes from, but a different source and parent, and must
// not overwrite it.
func newCheckpointID(threadID, namespace string, step int, source checkpoint.Source, parentID string) string {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write([]byte{0})
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(step))
	h.Write(stepBytes)
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(parentID))
	return "ckpt_" + hex.EncodeToString(h.Sum(nil))[:24]
}

// newForkCheckpointID derives a checkpoint id for an UpdateState fork,
// distinct from newCheckpointID's per-step derivation since a fork isn't
// keyed by a superstep number: two update_state calls against the same
// parent with different values (or a different as_node) must produce
// different branches of the checkpoint DAG.
func newForkCheckpointID(parentID, asNode string, stateBlob []byte) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write([]byte(asNode))
	h.Write([]byte{0})
	h.Write(stateBlob)
	return "ckpt_" + hex.EncodeToString(h.Sum(nil))[:24]
}

// timeNow is a seam so tests can observe checkpoint timestamps without the
// package reaching for time.Now() directly in more than one place.
var timeNow = time.Now

func (e *Engine) emitNodeStart(threadID, namespace, nodeID string, step int) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Step: step, NodeID: nodeID, Msg: "node_start", Meta: map[string]interface{}{"namespace": namespace}})
}

func (e *Engine) emitNodeEnd(threadID, namespace, nodeID string, step int, status string) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Step: step, NodeID: nodeID, Msg: "node_end", Meta: map[string]interface{}{"namespace": namespace, "status": status}})
}

// emitError reports a node.error/run-failure as an error event
// (data.kind/data.message/data.node), distinct from emitLifecycle's
// lifecycle.end(reason=error) which only summarizes the same failure at the
// run level.
func (e *Engine) emitError(threadID, namespace, nodeID string, err error) {
	if e.emitter == nil || err == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, NodeID: nodeID, Msg: "error", Meta: map[string]interface{}{
		"namespace": namespace,
		"kind":      ErrorKind(err),
		"message":   err.Error(),
	}})
}

// emitLifecycle reports a lifecycle.start/lifecycle.end transition. msg
// selects the envelope shape via eventToEnvelope's switch; err is only
// meaningful for "run_error", where it supplies data.error.kind/message.
func (e *Engine) emitLifecycle(threadID, namespace, msg string, err error) {
	if e.emitter == nil {
		return
	}
	meta := map[string]interface{}{"namespace": namespace}
	if err != nil {
		meta["kind"] = ErrorKind(err)
		meta["message"] = err.Error()
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Msg: msg, Meta: meta})
}

// emitRunStart reports a fresh run's lifecycle.start, carrying a bounded
// summary of the input state as data.input_summary.
func (e *Engine) emitRunStart(threadID, namespace string, state State) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Msg: "run_start", Meta: map[string]interface{}{
		"namespace":      namespace,
		"input_summary":  summarizeState(state),
	}})
}

// emitRunResumed reports a resumed run's lifecycle.start, summarizing the
// resume values supplied rather than the full (already-checkpointed) state.
func (e *Engine) emitRunResumed(threadID, namespace string, resumeValues map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Msg: "run_resumed", Meta: map[string]interface{}{
		"namespace":     namespace,
		"input_summary": summarizeResumeValues(resumeValues),
	}})
}

// emitStateUpdates reports one state.update event per committed channel
// write, so a subscriber can reconstruct incremental state
// without re-fetching a full checkpoint after every superstep.
func (e *Engine) emitStateUpdates(threadID, namespace string, writes []checkpoint.Write) {
	if e.emitter == nil {
		return
	}
	for _, w := range writes {
		e.emitter.Emit(emit.Event{RunID: threadID, NodeID: w.NodeID, Msg: "state_update", Meta: map[string]interface{}{
			"namespace": namespace,
			"channel":   w.Channel,
			"value":     json.RawMessage(w.Value),
		}})
	}
}

func (e *Engine) emitInterruptRequest(threadID, namespace, interruptID string, payload any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Msg: "interrupt_request", Meta: map[string]interface{}{
		"namespace":    namespace,
		"interrupt_id": interruptID,
		"payload":      payload,
	}})
}

// emitInterruptResolved reports that resumeValues supplied a value for
// interruptID, which the suspended branch consumed on this resume.
func (e *Engine) emitInterruptResolved(threadID, namespace, interruptID string) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{RunID: threadID, Msg: "interrupt_resolved", Meta: map[string]interface{}{
		"namespace":    namespace,
		"interrupt_id": interruptID,
	}})
}

// summarizeState renders state as a length-bounded JSON summary for
// lifecycle.start's data.input_summary. Encoding failures fall back to a
// placeholder rather than propagating, since a malformed summary must never
// abort a run that would otherwise succeed.
func summarizeState(s State) string {
	blob, err := json.Marshal(s)
	if err != nil {
		return "<unencodable input>"
	}
	return truncateSummary(string(blob))
}

// summarizeResumeValues renders the resume values map the same way, for
// run_resumed's data.input_summary.
func summarizeResumeValues(values map[string]any) string {
	blob, err := json.Marshal(values)
	if err != nil {
		return "<unencodable resume values>"
	}
	return truncateSummary(string(blob))
}

func truncateSummary(s string) string {
	if len(s) <= inputSummaryMaxLen {
		return s
	}
	return s[:inputSummaryMaxLen] + "…"
}
