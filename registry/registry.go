// Package registry implements the thread registry: it owns at
// most one active execution per thread id, serializes the entry points the
// concurrency model requires (start/resume/update_state/cancel) behind a
// per-thread mutex, and wires each execution's events into a
// stream.Dispatcher subscribers attach to.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/interrupt"
	"github.com/sosodennis/valuation-graph/stream"
)

// Status names one stage of an execution's state machine:
// idle -> running -> (suspended <-> running) -> terminated.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Errors matching the error taxonomy's stable kinds, returned by
// Registry's entry points so the boundary package can map them to HTTP
// status codes without re-deriving the kind from error text.
var (
	ErrAlreadyRunning   = errors.New("registry: thread already running")
	ErrNotSuspended     = errors.New("registry: thread is not suspended")
	ErrNotFound         = errors.New("registry: no such thread")
	ErrUnknownInterrupt = errors.New("registry: resume payload references an interrupt id not pending on this thread")
)

// PendingInterrupt is the {id, payload} pair surfaced by GET /threads/{id}
// while an execution is suspended.
type PendingInterrupt struct {
	ID      string
	Payload any
}

// Handle is returned by Start/Resume: enough for a caller to attach a
// subscriber and report the thread id back to the client.
type Handle struct {
	ThreadID string
}

// execution wraps one thread's in-flight graph.Engine run together with
// the dispatcher its events stream through. mu serializes start/resume/
// update_state/cancel for this thread; it is held only across these entry
// points, never across the node I/O the engine performs internally.
type execution struct {
	mu sync.Mutex

	threadID   string
	status     Status
	dispatcher *stream.Dispatcher
	interrupts []PendingInterrupt

	cancel context.CancelFunc

	lastActivity time.Time
	subscribers  int
}

// Registry is the C5 thread registry. One Registry is shared by every HTTP
// handler in a running server.
type Registry struct {
	mu         sync.Mutex
	executions map[string]*execution

	engine     *graph.Engine
	saver      checkpoint.Saver
	router     *EventRouter
	gcInterval time.Duration
	idleGrace  time.Duration
	streamOpts StreamOptions

	stopGC chan struct{}
	gcOnce sync.Once
}

// New constructs a Registry driving every thread's execution through
// engine. engine's node graph and schema are shared across all threads;
// per-thread isolation comes entirely from namespacing on thread_id, the
// same way the checkpoint store keys every row. router must be reachable
// from the engine's emitter — passed to graph.New directly, or as one leg
// of an emit.MultiEmitter — so each execution's dispatcher actually
// receives the events its run produces.
func New(engine *graph.Engine, saver checkpoint.Saver, router *EventRouter) *Registry {
	return &Registry{
		executions: make(map[string]*execution),
		engine:     engine,
		saver:      saver,
		router:     router,
		gcInterval: time.Minute,
		idleGrace:  10 * time.Minute,
		stopGC:     make(chan struct{}),
	}
}

// StreamOptions tunes the per-execution stream.Dispatcher instances the
// registry creates. Zero fields keep the dispatcher defaults.
type StreamOptions struct {
	HeartbeatInterval time.Duration
	SubscriberQueue   int
	ReplayBuffer      int
}

// WithStreamOptions sets the dispatcher tuning applied to every execution
// created after the call.
func (r *Registry) WithStreamOptions(o StreamOptions) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamOpts = o
	return r
}

// newDispatcher builds a dispatcher for one execution, applying the
// configured stream options and starting its heartbeat loop.
func (r *Registry) newDispatcher() *stream.Dispatcher {
	d := stream.NewDispatcher()
	if r.streamOpts.ReplayBuffer > 0 {
		d.WithReplayCapacity(r.streamOpts.ReplayBuffer)
	}
	if r.streamOpts.SubscriberQueue > 0 {
		d.WithSubscriberBuffer(r.streamOpts.SubscriberQueue)
	}
	if r.streamOpts.HeartbeatInterval > 0 {
		d.WithHeartbeatInterval(r.streamOpts.HeartbeatInterval)
	}
	d.StartHeartbeat(context.Background())
	return d
}

// WithGC overrides the garbage collection cadence and the grace period an
// idle execution survives before being reaped.
func (r *Registry) WithGC(interval, grace time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcInterval = interval
	r.idleGrace = grace
	return r
}

// Start begins a new execution for threadID (generating one via
// google/uuid if empty), or rejects with ErrAlreadyRunning if one is
// already active. The run proceeds on a background goroutine; the
// returned Handle lets the caller attach a subscriber immediately, even
// before the first event is emitted.
func (r *Registry) Start(ctx context.Context, threadID string, input graph.State) (Handle, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}

	ex, err := r.claim(threadID)
	if err != nil {
		return Handle{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ex.mu.Lock()
	ex.cancel = cancel
	ex.status = StatusRunning
	ex.mu.Unlock()

	go r.runToCompletion(runCtx, ex, func() (graph.State, error) {
		return r.engine.Run(runCtx, threadID, input)
	})

	return Handle{ThreadID: threadID}, nil
}

// Resume routes cmd's resume values into threadID's suspended execution.
// Rejects with ErrNotFound if the thread is unknown both in memory and in
// the checkpoint store, with ErrNotSuspended if its execution is running or
// terminated, and with ErrUnknownInterrupt if cmd names an interrupt id
// that is not pending.
func (r *Registry) Resume(ctx context.Context, threadID string, cmd *interrupt.ResumeCommand) (Handle, error) {
	r.mu.Lock()
	ex, ok := r.executions[threadID]
	r.mu.Unlock()
	if !ok {
		// The thread may have suspended under a previous process: revive
		// it from the checkpoint store before rejecting.
		var err error
		ex, err = r.revive(ctx, threadID)
		if err != nil {
			return Handle{}, err
		}
	}

	var values map[string]any
	if cmd != nil {
		values = cmd.Values
	}

	ex.mu.Lock()
	if ex.status != StatusSuspended {
		ex.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: thread %s", ErrNotSuspended, threadID)
	}
	if unknown := firstUnknownInterrupt(values, ex.interrupts); unknown != "" {
		ex.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: id %q on thread %s", ErrUnknownInterrupt, unknown, threadID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ex.cancel = cancel
	ex.status = StatusRunning
	ex.interrupts = nil
	ex.mu.Unlock()

	go r.runToCompletion(runCtx, ex, func() (graph.State, error) {
		return r.engine.Resume(runCtx, threadID, "", values)
	})

	return Handle{ThreadID: threadID}, nil
}

// firstUnknownInterrupt returns the first key in values that does not match
// any id in pending, or "" if every key is accounted for. Resuming with an
// unrecognized interrupt_id is a validation failure, not a silent no-op.
func firstUnknownInterrupt(values map[string]any, pending []PendingInterrupt) string {
	known := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		known[p.ID] = struct{}{}
	}
	for id := range values {
		if _, ok := known[id]; !ok {
			return id
		}
	}
	return ""
}

// UpdateState forks a thread's checkpoint history with caller-supplied
// channel values. Like Start/Resume it is serialized per-thread via ex.mu,
// but unlike them it runs synchronously and does not transition ex.status:
// it forks the checkpoint history without starting a new execution.
// checkpointID selects which checkpoint to fork from; empty means the
// namespace's latest.
func (r *Registry) UpdateState(ctx context.Context, threadID, namespace, checkpointID string, values graph.State, asNode string) (graph.State, error) {
	r.mu.Lock()
	ex, ok := r.executions[threadID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.touch()

	return r.engine.UpdateState(ctx, threadID, namespace, checkpointID, values, asNode)
}

// runToCompletion drives one engine invocation (fresh start or resume) to
// its conclusion, translating the outcome into ex's status and lifecycle
// events along the idle -> running -> (suspended <-> running) ->
// terminated state machine.
func (r *Registry) runToCompletion(ctx context.Context, ex *execution, run func() (graph.State, error)) {
	_, err := run()

	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.touch()

	var suspended *graph.SuspendedError
	if errors.As(err, &suspended) {
		ex.status = StatusSuspended
		ex.interrupts = ex.interrupts[:0]
		for _, s := range suspended.Suspensions {
			id, payload := s.InterruptPayload()
			ex.interrupts = append(ex.interrupts, PendingInterrupt{ID: id, Payload: payload})
		}
		return
	}

	ex.status = StatusTerminated
}

// claim registers a new idle->running execution for threadID, rejecting if
// one is already active (not terminated).
func (r *Registry) claim(threadID string) (*execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.executions[threadID]; ok {
		existing.mu.Lock()
		active := existing.status == StatusRunning || existing.status == StatusSuspended
		existing.mu.Unlock()
		if active {
			return nil, fmt.Errorf("%w: thread %s", ErrAlreadyRunning, threadID)
		}
	}

	ex := &execution{
		threadID:     threadID,
		status:       StatusIdle,
		dispatcher:   r.newDispatcher(),
		lastActivity: time.Now(),
	}
	r.executions[threadID] = ex
	if r.router != nil {
		r.router.register(threadID, ex.dispatcher)
	}
	return ex, nil
}

// Attach registers a subscriber to threadID's live event stream, replaying
// from lastSeqID (the SSE Last-Event-ID reconnection contract). The
// returned unsub must be called when the subscriber disconnects (registry
// GC treats a zero-subscriber execution as idle).
func (r *Registry) Attach(threadID string, lastSeqID uint64) (<-chan stream.Envelope, func(), error) {
	r.mu.Lock()
	ex, ok := r.executions[threadID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	ex.mu.Lock()
	ex.subscribers++
	ex.touch()
	ex.mu.Unlock()

	ch, unsub := ex.dispatcher.Subscribe(threadID, lastSeqID)

	detach := func() {
		unsub()
		ex.mu.Lock()
		ex.subscribers--
		ex.touch()
		ex.mu.Unlock()
	}
	return ch, detach, nil
}

// Cancel signals cancellation of threadID's active execution by cancelling
// its run context, from which the node contexts derive; the engine emits
// run_cancelled once it observes the cancellation. Cancel returns without
// waiting for the run to stop, there is no bounded wait or forced
// termination, and no checkpoint with a "cancelled" source is written: the
// thread's latest checkpoint stays the last one committed before the
// cancellation. Cancelling an already-suspended execution simply marks it
// terminated and discards pending interrupts.
func (r *Registry) Cancel(threadID string) error {
	r.mu.Lock()
	ex, ok := r.executions[threadID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	switch ex.status {
	case StatusRunning:
		if ex.cancel != nil {
			ex.cancel()
		}
	case StatusSuspended:
		ex.interrupts = nil
		ex.status = StatusTerminated
	}
	ex.touch()
	return nil
}

// Describe returns the {last_seq_id, status, interrupt?} view GET
// /threads/{id} serves. A thread with no in-memory execution (restarted
// process, or reaped by GC) is revived from the checkpoint store so its
// suspended/terminated status survives both.
func (r *Registry) Describe(threadID string) (status Status, lastSeqID uint64, pending []PendingInterrupt, err error) {
	r.mu.Lock()
	ex, ok := r.executions[threadID]
	r.mu.Unlock()
	if !ok {
		ex, err = r.revive(context.Background(), threadID)
		if err != nil {
			return "", 0, nil, err
		}
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status, ex.dispatcher.LastSeqID(threadID), append([]PendingInterrupt(nil), ex.interrupts...), nil
}

// revive reconstructs an execution record for a thread known only to the
// checkpoint store: suspended if its latest root checkpoint was committed
// by an interrupt (pending interrupt ids and payloads are recovered from
// that checkpoint's metadata), terminated otherwise. The revived record
// makes Resume and Describe work across process restarts.
func (r *Registry) revive(ctx context.Context, threadID string) (*execution, error) {
	if r.saver == nil {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	cp, _, err := r.saver.Get(ctx, threadID, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}

	ex := &execution{
		threadID:     threadID,
		status:       StatusTerminated,
		dispatcher:   r.newDispatcher(),
		lastActivity: time.Now(),
	}
	if cp.Metadata.Source == checkpoint.SourceInterrupt {
		ex.status = StatusSuspended
		ex.interrupts = pendingFromMetadata(cp.Metadata.Extra)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.executions[threadID]; ok {
		return existing, nil
	}
	r.executions[threadID] = ex
	if r.router != nil {
		r.router.register(threadID, ex.dispatcher)
	}
	return ex, nil
}

// pendingFromMetadata reconstructs the pending interrupt list recorded in a
// suspended checkpoint's metadata.
func pendingFromMetadata(extra map[string]string) []PendingInterrupt {
	var ids []string
	if raw, ok := extra["pending_interrupts"]; ok {
		_ = json.Unmarshal([]byte(raw), &ids)
	}
	payloads := make(map[string]any)
	if raw, ok := extra["interrupt_payloads"]; ok {
		_ = json.Unmarshal([]byte(raw), &payloads)
	}
	pending := make([]PendingInterrupt, 0, len(ids))
	for _, id := range ids {
		pending = append(pending, PendingInterrupt{ID: id, Payload: payloads[id]})
	}
	return pending
}

// touch records activity for GC purposes. Caller must hold ex.mu.
func (ex *execution) touch() {
	ex.lastActivity = time.Now()
}

// StartGC launches the background idle-execution reaper. Safe to call at
// most once.
func (r *Registry) StartGC(ctx context.Context) {
	r.gcOnce.Do(func() {
		go r.gcLoop(ctx)
	})
}

func (r *Registry) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(r.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopGC:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes executions that are terminated, have no attached
// subscribers, and have been idle past the configured grace period. Their
// checkpoints remain in the store untouched.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleGrace)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ex := range r.executions {
		ex.mu.Lock()
		idle := ex.status == StatusTerminated && ex.subscribers == 0 && ex.lastActivity.Before(cutoff)
		ex.mu.Unlock()
		if idle {
			delete(r.executions, id)
			if r.router != nil {
				r.router.unregister(id)
			}
			ex.dispatcher.Stop()
			ex.dispatcher.Forget(id)
		}
	}
}

// StopGC halts the background reaper started by StartGC, if any.
func (r *Registry) StopGC() {
	select {
	case <-r.stopGC:
	default:
		close(r.stopGC)
	}
}

// Dispatcher returns the stream.Dispatcher backing threadID's execution, or
// nil if no execution has ever been started for it. Exposed for the
// boundary package's SSE handler, which needs direct access beyond the
// single-subscribe-call shape of Attach when composing heartbeats.
func (r *Registry) Dispatcher(threadID string) *stream.Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[threadID]
	if !ok {
		return nil
	}
	return ex.dispatcher
}
