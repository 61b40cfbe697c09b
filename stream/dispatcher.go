package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sosodennis/valuation-graph/graph/emit"
)

// defaultReplayCapacity is the ring buffer size per thread, capped so a
// long-lived thread's event history cannot grow without bound.
const defaultReplayCapacity = 10_000

// defaultSubscriberBuffer bounds how far a single subscriber may lag before
// it is evicted as a slow consumer rather than stalling the dispatcher.
const defaultSubscriberBuffer = 256

// defaultHeartbeatInterval is how often an idle subscriber receives a
// heartbeat Envelope so intermediaries (load balancers, proxies) holding the
// SSE connection open don't time it out.
const defaultHeartbeatInterval = 15 * time.Second

// subscriber is one attached consumer of a thread's envelope stream. ch is
// closed exactly once, under Dispatcher.mu, when the subscriber is removed
// from its threadStream — every send also happens under mu, so a send can
// never race the close.
type subscriber struct {
	id   uint64
	ch   chan Envelope
	done chan struct{}
}

// threadStream holds the replay ring buffer, live subscribers, and the set
// of nodes currently executing for one thread_id. Access is guarded by
// Dispatcher.mu.
type threadStream struct {
	seq         uint64
	ring        []Envelope
	ringStart   uint64 // seq id of the newest evicted entry (ring[0] is ringStart+1); 0 until the ring wraps
	subscribers map[uint64]*subscriber
	activeNodes map[string]struct{}
}

// Dispatcher implements emit.Emitter, translating the graph runtime's
// internal event stream into per-thread Envelopes with a monotonic seq_id,
// fanning each one out to every attached subscriber and retaining a
// capacity-bounded replay buffer so a subscriber can attach late and catch
// up from a Last-Event-ID.
//
// History is a bounded ring plus push-based fan-out: a long-lived
// streaming server cannot retain every event for every thread
// forever and needs to serve live subscribers, not just after-the-fact
// queries.
type Dispatcher struct {
	mu            sync.Mutex
	threads       map[string]*threadStream
	nextSubID     uint64
	replayCap     int
	subBuffer     int
	heartbeatIvl  time.Duration
	stopHeartbeat chan struct{}
	heartbeatOn   sync.Once
}

// NewDispatcher constructs a Dispatcher with the default capacities.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		threads:       make(map[string]*threadStream),
		replayCap:     defaultReplayCapacity,
		subBuffer:     defaultSubscriberBuffer,
		heartbeatIvl:  defaultHeartbeatInterval,
		stopHeartbeat: make(chan struct{}),
	}
	return d
}

// WithReplayCapacity overrides the per-thread ring buffer size. Must be
// called before any events are emitted.
func (d *Dispatcher) WithReplayCapacity(n int) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replayCap = n
	return d
}

// WithHeartbeatInterval overrides how often idle subscribers receive a
// heartbeat envelope. Must be called before StartHeartbeat.
func (d *Dispatcher) WithHeartbeatInterval(ivl time.Duration) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ivl > 0 {
		d.heartbeatIvl = ivl
	}
	return d
}

// WithSubscriberBuffer overrides the per-subscriber channel depth.
func (d *Dispatcher) WithSubscriberBuffer(n int) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subBuffer = n
	return d
}

// Emit implements emit.Emitter. The RunID on the incoming event is treated
// as the thread_id: the engine is invoked per-thread, and RunID is set to
// the thread's identifier by the boundary/registry layer before a run
// starts.
func (d *Dispatcher) Emit(event emit.Event) {
	d.trackActive(event)
	env, ok := eventToEnvelope(event)
	if !ok {
		return
	}
	d.dispatch(event.RunID, env)
}

// EmitBatch implements emit.Emitter.
func (d *Dispatcher) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, e := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.Emit(e)
	}
	return nil
}

// Flush implements emit.Emitter. Dispatch is synchronous with respect to
// the replay buffer (a slow subscriber may be evicted, but the ring write
// always happens before Emit returns), so there is nothing to flush.
func (d *Dispatcher) Flush(ctx context.Context) error {
	return nil
}

// trackActive maintains ts.activeNodes from node_start/node_end events so
// StartHeartbeat's beatAll can report which nodes are in flight as
// heartbeat.data.active_nodes.
func (d *Dispatcher) trackActive(event emit.Event) {
	if event.Msg != "node_start" && event.Msg != "node_end" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.thread(event.RunID)
	if ts.activeNodes == nil {
		ts.activeNodes = make(map[string]struct{})
	}
	if event.Msg == "node_start" {
		ts.activeNodes[event.NodeID] = struct{}{}
	} else {
		delete(ts.activeNodes, event.NodeID)
	}
}

// eventToEnvelope translates one internal emit.Event into the wire
// Envelope shape. The Msg vocabulary is a closed set produced only by
// graph.Engine's emit* helpers (graph/engine.go); an event outside that
// vocabulary is dropped (ok=false) rather than forwarded as an
// unrecognized wire type. A suspended node_end is dropped too: a branch
// that suspended emits no node.end until it eventually completes on
// resume.
func eventToEnvelope(e emit.Event) (Envelope, bool) {
	namespace := stringMeta(e.Meta, "namespace")
	env := Envelope{Type: "", Source: ""}

	switch e.Msg {
	case "run_start", "run_resumed":
		env.Type = TypeLifecycleStart
		env.Source = namespace
		env.Data = map[string]any{"input_summary": stringMeta(e.Meta, "input_summary")}

	case "run_complete":
		env.Type = TypeLifecycleEnd
		env.Source = namespace
		env.Data = map[string]any{"reason": ReasonComplete}

	case "run_interrupted":
		env.Type = TypeLifecycleEnd
		env.Source = namespace
		env.Data = map[string]any{"reason": ReasonInterrupted}

	case "run_cancelled":
		env.Type = TypeLifecycleEnd
		env.Source = namespace
		env.Data = map[string]any{"reason": ReasonCancelled}

	case "run_error":
		env.Type = TypeLifecycleEnd
		env.Source = namespace
		data := map[string]any{"reason": ReasonError}
		if kind := stringMeta(e.Meta, "kind"); kind != "" {
			data["error"] = map[string]any{"kind": kind, "message": stringMeta(e.Meta, "message")}
		}
		env.Data = data

	case "node_start":
		env.Type = TypeNodeStart
		env.Source = namespace + ":" + e.NodeID
		env.Data = map[string]any{"name": e.NodeID, "namespace": namespace}

	case "node_end":
		status := stringMeta(e.Meta, "status")
		if status == "suspended" {
			return Envelope{}, false
		}
		env.Type = TypeNodeEnd
		env.Source = namespace + ":" + e.NodeID
		env.Data = map[string]any{"name": e.NodeID, "namespace": namespace, "status": status}

	case "state_update":
		env.Type = TypeStateUpdate
		env.Source = namespace
		env.Data = map[string]any{"channel": stringMeta(e.Meta, "channel"), "value": e.Meta["value"]}

	case "content_delta":
		env.Type = TypeContentDelta
		env.Source = namespace
		env.Data = map[string]any{"stream_id": stringMeta(e.Meta, "stream_id"), "text": stringMeta(e.Meta, "text")}

	case "interrupt_request":
		env.Type = TypeInterruptRequest
		env.Source = namespace
		env.Data = map[string]any{"interrupt_id": stringMeta(e.Meta, "interrupt_id"), "payload": e.Meta["payload"]}

	case "interrupt_resolved":
		env.Type = TypeInterruptResolved
		env.Source = namespace
		env.Data = map[string]any{"interrupt_id": stringMeta(e.Meta, "interrupt_id")}

	case "error":
		env.Type = TypeError
		env.Source = namespace
		env.Data = map[string]any{
			"kind":      stringMeta(e.Meta, "kind"),
			"message":   stringMeta(e.Meta, "message"),
			"node":      e.NodeID,
			"namespace": namespace,
		}

	case "heartbeat":
		env.Type = TypeHeartbeat
		env.Data = map[string]any{"active_nodes": []string{}}

	default:
		return Envelope{}, false
	}

	return env, true
}

// stringMeta extracts a string-valued key from an emit.Event's Meta,
// returning "" for a missing or non-string value.
func stringMeta(meta map[string]interface{}, key string) string {
	v, _ := meta[key].(string)
	return v
}

// dispatch assigns the next seq_id for threadID, appends to its replay
// ring, and fans the envelope out to every live subscriber. Deliveries are
// non-blocking: a subscriber whose queue is full is handed a terminal
// slow_consumer error and dropped rather than allowed to stall dispatch
// for every other subscriber and the run itself.
func (d *Dispatcher) dispatch(threadID string, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.thread(threadID)
	ts.seq++
	env.SeqID = ts.seq
	env.ThreadID = threadID
	if env.RunID == "" {
		env.RunID = threadID
	}
	env.ProtocolVersion = ProtocolVersion
	env.Timestamp = envelopeTime()
	d.appendRing(ts, env)
	for _, s := range ts.subscribers {
		select {
		case s.ch <- env:
		default:
			d.dropSlowLocked(ts, s)
		}
	}
}

// dropSlowLocked evicts an overflowing subscriber, making room for (and
// best-effort delivering) a terminal error envelope with kind
// slow_consumer before closing its channel. Caller must hold d.mu.
func (d *Dispatcher) dropSlowLocked(ts *threadStream, s *subscriber) {
	delete(ts.subscribers, s.id)
	select {
	case <-s.ch: // steal one queued slot for the terminal error
	default:
	}
	select {
	case s.ch <- d.terminalError(ts, "slow_consumer", "subscriber queue overflowed"):
	default:
	}
	close(s.ch)
	close(s.done)
}

// terminalError builds a subscriber-local error envelope. It carries the
// thread's current seq_id without advancing it: the envelope is not part
// of the thread's history (other subscribers never see it), but the
// receiving subscriber's view stays monotonic.
func (d *Dispatcher) terminalError(ts *threadStream, kind, message string) Envelope {
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		SeqID:           ts.seq,
		Timestamp:       envelopeTime(),
		Type:            TypeError,
		Data:            map[string]any{"kind": kind, "message": message},
	}
}

// thread returns (creating if needed) the threadStream for threadID. Caller
// must hold d.mu.
func (d *Dispatcher) thread(threadID string) *threadStream {
	ts, ok := d.threads[threadID]
	if !ok {
		ts = &threadStream{subscribers: make(map[uint64]*subscriber)}
		d.threads[threadID] = ts
	}
	return ts
}

// appendRing appends env to ts.ring, evicting the oldest entry once the
// ring reaches d.replayCap. Caller must hold d.mu.
func (d *Dispatcher) appendRing(ts *threadStream, env Envelope) {
	if len(ts.ring) >= d.replayCap {
		ts.ring = ts.ring[1:]
		ts.ringStart++
	}
	ts.ring = append(ts.ring, env)
}

// Subscribe attaches a new subscriber to threadID's envelope stream. The
// returned channel first receives every envelope still held in the replay
// ring with a seq_id greater than lastSeqID (lastSeqID 0 replays the whole
// ring), then every envelope dispatched from this point forward. A
// lastSeqID whose successors have already been evicted from the ring cannot
// be caught up from events: the subscriber receives a single terminal error envelope with
// kind replay_gap and a closed channel, and must reconcile from the
// checkpoint store instead. Cancel unsub when the subscriber detaches.
func (d *Dispatcher) Subscribe(threadID string, lastSeqID uint64) (ch <-chan Envelope, unsub func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.thread(threadID)

	backlog, gap := ts.replaySince(lastSeqID)
	if gap {
		dead := make(chan Envelope, 1)
		dead <- d.terminalError(ts, "replay_gap", "requested seq_id predates the replay buffer")
		close(dead)
		return dead, func() {}
	}

	d.nextSubID++
	sub := &subscriber{
		id:   d.nextSubID,
		ch:   make(chan Envelope, max(d.subBuffer, len(backlog))),
		done: make(chan struct{}),
	}
	ts.subscribers[sub.id] = sub
	for _, env := range backlog {
		sub.ch <- env
	}

	unsub = func() { d.evict(threadID, sub.id) }
	return sub.ch, unsub
}

// replaySince returns every envelope still held in the ring with
// SeqID > lastSeqID, oldest first. gap reports that events after lastSeqID
// have already been evicted from the ring, so replay cannot be gapless.
// Caller must hold d.mu.
func (ts *threadStream) replaySince(lastSeqID uint64) (backlog []Envelope, gap bool) {
	if lastSeqID == 0 {
		return append([]Envelope(nil), ts.ring...), false
	}
	if lastSeqID < ts.ringStart {
		return nil, true
	}
	offset := lastSeqID - ts.ringStart
	if offset >= uint64(len(ts.ring)) {
		return nil, false
	}
	return append([]Envelope(nil), ts.ring[offset:]...), false
}

// evict removes a subscriber, closing its channels. Safe to call more than
// once for the same subscriber.
func (d *Dispatcher) evict(threadID string, subID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.threads[threadID]
	if !ok {
		return
	}
	sub, ok := ts.subscribers[subID]
	if !ok {
		return
	}
	delete(ts.subscribers, subID)
	close(sub.ch)
	close(sub.done)
}

// StartHeartbeat launches a background goroutine that dispatches a
// TypeHeartbeat envelope to every thread with at least one live subscriber,
// every heartbeat interval, until ctx is done or Stop is called. Safe to
// call at most once per Dispatcher.
func (d *Dispatcher) StartHeartbeat(ctx context.Context) {
	d.heartbeatOn.Do(func() {
		go d.heartbeatLoop(ctx)
	})
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopHeartbeat:
			return
		case <-ticker.C:
			d.beatAll()
		}
	}
}

func (d *Dispatcher) beatAll() {
	type target struct {
		id    string
		nodes []string
	}

	d.mu.Lock()
	targets := make([]target, 0, len(d.threads))
	for id, ts := range d.threads {
		if len(ts.subscribers) == 0 {
			continue
		}
		nodes := make([]string, 0, len(ts.activeNodes))
		for n := range ts.activeNodes {
			nodes = append(nodes, n)
		}
		sort.Strings(nodes)
		targets = append(targets, target{id: id, nodes: nodes})
	}
	d.mu.Unlock()

	for _, tg := range targets {
		d.dispatch(tg.id, Envelope{Type: TypeHeartbeat, Data: map[string]any{"active_nodes": tg.nodes}})
	}
}

// LastSeqID returns the highest seq_id dispatched for threadID so far, or
// 0 if nothing has been dispatched.
func (d *Dispatcher) LastSeqID(threadID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.threads[threadID]
	if !ok {
		return 0
	}
	return ts.seq
}

// Stop halts the heartbeat goroutine started by StartHeartbeat, if any.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopHeartbeat:
	default:
		close(d.stopHeartbeat)
	}
}

// Forget drops a thread's replay buffer and disconnects any remaining
// subscribers. Call once a thread's run has fully completed and its
// checkpoint history is the system of record instead.
func (d *Dispatcher) Forget(threadID string) {
	d.mu.Lock()
	ts, ok := d.threads[threadID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.threads, threadID)
	for _, s := range ts.subscribers {
		close(s.ch)
		close(s.done)
	}
	d.mu.Unlock()
}

// envelopeTime is a seam so tests can stub the clock; production code uses
// time.Now.
var envelopeTime = time.Now
