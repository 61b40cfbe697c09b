package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/graph/emit"
	"github.com/sosodennis/valuation-graph/interrupt"
	"github.com/sosodennis/valuation-graph/stream"
)

func schemaWithChannel(name string) *graph.Schema {
	return graph.NewSchema(graph.Channel{Name: name, Reducer: graph.Overwrite})
}

func TestRegistryStartRejectsSecondStartWhileRunning(t *testing.T) {
	saver := checkpoint.NewMemStore()
	sch := schemaWithChannel("value")

	gate := make(chan struct{})
	eng := graph.New(sch, saver, emit.NewNullEmitter())
	require.NoError(t, eng.Add("wait", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
		<-gate
		return graph.Command{Update: graph.State{"value": 1}}, nil
	})))
	require.NoError(t, eng.StartAt("wait"))

	reg := New(eng, saver, nil)

	_, err := reg.Start(context.Background(), "thread-1", graph.State{})
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), "thread-1", graph.State{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
}

func TestRegistryResumeRejectsWhenNotSuspended(t *testing.T) {
	saver := checkpoint.NewMemStore()
	sch := schemaWithChannel("value")
	eng := graph.New(sch, saver, emit.NewNullEmitter())
	require.NoError(t, eng.Add("done", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
		return graph.Command{Update: graph.State{"value": 1}, Terminal: true}, nil
	})))
	require.NoError(t, eng.StartAt("done"))

	reg := New(eng, saver, nil)

	_, err := reg.Resume(context.Background(), "never-started", interrupt.NewResumeCommand())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Start(context.Background(), "thread-1", graph.State{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _, _, derr := reg.Describe("thread-1")
		return derr == nil && status == StatusTerminated
	}, time.Second, time.Millisecond)

	_, err = reg.Resume(context.Background(), "thread-1", interrupt.NewResumeCommand())
	assert.ErrorIs(t, err, ErrNotSuspended)
}

func TestRegistryAttachReplaysAndTerminalLifecycle(t *testing.T) {
	saver := checkpoint.NewMemStore()
	sch := schemaWithChannel("value")
	router := NewEventRouter()
	eng := graph.New(sch, saver, router)
	require.NoError(t, eng.Add("done", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
		return graph.Command{Update: graph.State{"value": 1}, Terminal: true}, nil
	})))
	require.NoError(t, eng.StartAt("done"))

	reg := New(eng, saver, router)
	handle, err := reg.Start(context.Background(), "", graph.State{})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ThreadID)

	require.Eventually(t, func() bool {
		status, _, _, derr := reg.Describe(handle.ThreadID)
		return derr == nil && status == StatusTerminated
	}, time.Second, time.Millisecond)

	// A subscriber attaching after the run finished replays it from the
	// ring, ending with lifecycle.end reason complete.
	ch, detach, err := reg.Attach(handle.ThreadID, 0)
	require.NoError(t, err)
	defer detach()
	var last stream.Envelope
	for done := false; !done; {
		select {
		case env := <-ch:
			last = env
			done = env.Type == stream.TypeLifecycleEnd
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a replayed lifecycle.end")
		}
	}
	assert.Equal(t, stream.ReasonComplete, last.Data.(map[string]any)["reason"])

	_, _, err = reg.Attach("no-such-thread", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySweepRemovesIdleTerminatedExecutions(t *testing.T) {
	saver := checkpoint.NewMemStore()
	sch := schemaWithChannel("value")
	eng := graph.New(sch, saver, emit.NewNullEmitter())
	require.NoError(t, eng.Add("done", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
		return graph.Command{Update: graph.State{"value": 1}, Terminal: true}, nil
	})))
	require.NoError(t, eng.StartAt("done"))

	reg := New(eng, saver, nil).WithGC(time.Millisecond, 0)
	_, err := reg.Start(context.Background(), "thread-1", graph.State{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, _, derr := reg.Describe("thread-1")
		return derr == nil && status == StatusTerminated
	}, time.Second, time.Millisecond)

	reg.sweep()

	reg.mu.Lock()
	_, inMemory := reg.executions["thread-1"]
	reg.mu.Unlock()
	assert.False(t, inMemory)

	// The thread's history outlives the reaped execution: Describe revives
	// it from the checkpoint store as terminated.
	status, _, _, err := reg.Describe("thread-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, status)
}

func TestRegistryResumeSurvivesProcessRestart(t *testing.T) {
	saver := checkpoint.NewMemStore()
	sch := graph.NewSchema(graph.Channel{Name: "approval", Reducer: graph.Overwrite})

	buildEngine := func() *graph.Engine {
		eng := graph.New(sch, saver, emit.NewNullEmitter())
		require.NoError(t, eng.Add("request_approval", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
			decision := interrupt.Interrupt(ctx, map[string]any{"kind": "approval", "amount": 100})
			return graph.Command{Update: graph.State{"approval": decision}, Terminal: true}, nil
		})))
		require.NoError(t, eng.StartAt("request_approval"))
		return eng
	}

	// First process: run until the approval gate suspends.
	reg1 := New(buildEngine(), saver, nil)
	_, err := reg1.Start(context.Background(), "thread-1", graph.State{})
	require.NoError(t, err)

	var pending []PendingInterrupt
	require.Eventually(t, func() bool {
		status, _, p, derr := reg1.Describe("thread-1")
		pending = p
		return derr == nil && status == StatusSuspended
	}, time.Second, time.Millisecond)
	require.Len(t, pending, 1)

	// Second process: a fresh registry over the same store knows nothing
	// in memory, but revives the suspended thread from its checkpoint.
	reg2 := New(buildEngine(), saver, nil)

	status, _, revived, err := reg2.Describe("thread-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, status)
	require.Len(t, revived, 1)
	assert.Equal(t, pending[0].ID, revived[0].ID)

	cmd := interrupt.NewResumeCommand().WithValue(pending[0].ID, true)
	_, err = reg2.Resume(context.Background(), "thread-1", cmd)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, _, derr := reg2.Describe("thread-1")
		return derr == nil && status == StatusTerminated
	}, time.Second, time.Millisecond)

	cp, _, err := saver.Get(context.Background(), "thread-1", "", "")
	require.NoError(t, err)
	state, err := checkpoint.DecodeState(cp.State)
	require.NoError(t, err)
	assert.Equal(t, true, state["approval"])
}
