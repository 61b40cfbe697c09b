package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosodennis/valuation-graph/graph/emit"
)

func TestDispatcherFanOutAndSeqID(t *testing.T) {
	d := NewDispatcher()
	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "fetch"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_end", NodeID: "fetch", Meta: map[string]interface{}{"status": "ok"}})

	first := <-ch
	second := <-ch

	assert.Equal(t, uint64(1), first.SeqID)
	assert.Equal(t, TypeNodeStart, first.Type)
	assert.Equal(t, uint64(2), second.SeqID)
	assert.Equal(t, TypeNodeEnd, second.Type)
}

func TestDispatcherLateSubscriberReplays(t *testing.T) {
	d := NewDispatcher()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "fetch"})

	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	envs := drain(t, ch, 2)
	require.Len(t, envs, 2)
	assert.Equal(t, TypeLifecycleStart, envs[0].Type)
	assert.Equal(t, TypeNodeStart, envs[1].Type)
}

func TestDispatcherResumeFromLastSeqID(t *testing.T) {
	d := NewDispatcher()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "a"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_end", NodeID: "a", Meta: map[string]interface{}{"status": "ok"}})

	ch, unsub := d.Subscribe("thread-1", 1)
	defer unsub()

	envs := drain(t, ch, 2)
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(2), envs[0].SeqID)
	assert.Equal(t, uint64(3), envs[1].SeqID)
}

func TestDispatcherRingEvictsOldest(t *testing.T) {
	d := NewDispatcher().WithReplayCapacity(2)

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_complete"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_cancelled"})

	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	envs := drain(t, ch, 2)
	require.Len(t, envs, 2)
	assert.Equal(t, ReasonComplete, envs[0].Data.(map[string]any)["reason"])
	assert.Equal(t, ReasonCancelled, envs[1].Data.(map[string]any)["reason"])
}

func TestDispatcherSlowSubscriberEvicted(t *testing.T) {
	d := NewDispatcher().WithSubscriberBuffer(1)
	_, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	// Never drain the channel: once it fills past the buffer depth, the
	// subscriber must be evicted rather than stalling dispatch.
	for i := 0; i < 10; i++ {
		d.Emit(emit.Event{RunID: "thread-1", Msg: "heartbeat"})
	}

	d.mu.Lock()
	remaining := len(d.threads["thread-1"].subscribers)
	d.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestDispatcherSlowSubscriberReceivesTerminalError(t *testing.T) {
	d := NewDispatcher().WithSubscriberBuffer(1)
	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "heartbeat"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "heartbeat"})

	// The queued heartbeat was stolen to make room: the only remaining
	// delivery is the terminal slow_consumer error, then channel close.
	env := <-ch
	require.Equal(t, TypeError, env.Type)
	assert.Equal(t, "slow_consumer", env.Data.(map[string]any)["kind"])

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after slow-consumer eviction")
	}
}

func TestDispatcherReplayGapClosesSubscriber(t *testing.T) {
	d := NewDispatcher().WithReplayCapacity(2)

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "a"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_end", NodeID: "a", Meta: map[string]interface{}{"status": "ok"}})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_complete"})

	// Ring now holds seq 3..4; a cursor at seq 1 can no longer be caught
	// up from events alone.
	ch, unsub := d.Subscribe("thread-1", 1)
	defer unsub()

	env := <-ch
	require.Equal(t, TypeError, env.Type)
	assert.Equal(t, "replay_gap", env.Data.(map[string]any)["kind"])

	_, ok := <-ch
	assert.False(t, ok)
}

func TestDispatcherReplayFromRingOldestIsNotAGap(t *testing.T) {
	d := NewDispatcher().WithReplayCapacity(2)

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "a"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_complete"})

	// Ring holds seq 2..3; a cursor at seq 1 replays them gaplessly.
	ch, unsub := d.Subscribe("thread-1", 1)
	defer unsub()

	envs := drain(t, ch, 2)
	assert.Equal(t, uint64(2), envs[0].SeqID)
	assert.Equal(t, uint64(3), envs[1].SeqID)
}

func TestDispatcherCursorAheadOfLiveProceedsLive(t *testing.T) {
	d := NewDispatcher()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_start"})

	ch, unsub := d.Subscribe("thread-1", 99)
	defer unsub()

	// No replay: the next delivery is the next live event.
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_complete"})
	env := <-ch
	assert.Equal(t, TypeLifecycleEnd, env.Type)
	assert.Equal(t, uint64(2), env.SeqID)
}

func TestDispatcherForgetDisconnectsSubscribers(t *testing.T) {
	d := NewDispatcher()
	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	d.Forget("thread-1")

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after Forget")
	}
}

func TestDispatcherEmitBatchRespectsContextCancellation(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.EmitBatch(ctx, []emit.Event{{RunID: "thread-1", Msg: "run_start"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherDropsSuspendedNodeEnd(t *testing.T) {
	d := NewDispatcher()
	ch, unsub := d.Subscribe("thread-1", 0)
	defer unsub()

	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_start", NodeID: "approve"})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "node_end", NodeID: "approve", Meta: map[string]interface{}{"status": "suspended"}})
	d.Emit(emit.Event{RunID: "thread-1", Msg: "run_interrupted"})

	envs := drain(t, ch, 2)
	require.Len(t, envs, 2)
	assert.Equal(t, TypeNodeStart, envs[0].Type)
	assert.Equal(t, TypeLifecycleEnd, envs[1].Type)
	assert.Equal(t, ReasonInterrupted, envs[1].Data.(map[string]any)["reason"])
}

func drain(t *testing.T, ch <-chan Envelope, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d/%d", i+1, n)
		}
	}
	return out
}
