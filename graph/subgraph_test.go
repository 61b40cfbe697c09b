package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph/emit"
)

func buildChildEngine(saver checkpoint.Saver) *Engine {
	sch := NewSchema(Channel{Name: "child_value", Reducer: Overwrite})
	child := New(sch, saver, emit.NewNullEmitter())
	_ = child.Add("double", NodeFunc(func(ctx context.Context, state State) (Command, error) {
		n, _ := state["child_value"].(float64)
		return Command{Update: State{"child_value": n * 2}, Terminal: true}, nil
	}))
	_ = child.StartAt("double")
	return child
}

func TestSubgraphProjectsStateAcrossNamespace(t *testing.T) {
	saver := checkpoint.NewMemStore()
	child := buildChildEngine(saver)

	parentSchema := NewSchema(Channel{Name: "input", Reducer: Overwrite}, Channel{Name: "output", Reducer: Overwrite})
	parent := New(parentSchema, saver, emit.NewNullEmitter())

	project := Projector{
		Down: func(p State) State { return State{"child_value": p["input"]} },
		Up:   func(c State) State { return State{"output": c["child_value"]} },
	}
	require.NoError(t, parent.AddSubgraph("run_child", child, project))
	require.NoError(t, parent.StartAt("run_child"))

	result, err := parent.Run(context.Background(), "thread-1", State{"input": 21})
	require.NoError(t, err)
	assert.Equal(t, float64(42), result["output"])
}

func TestSubgraphDefaultProjectorPassesStateThrough(t *testing.T) {
	saver := checkpoint.NewMemStore()
	child := buildChildEngine(saver)

	parentSchema := NewSchema(Channel{Name: "child_value", Reducer: Overwrite})
	parent := New(parentSchema, saver, emit.NewNullEmitter())
	require.NoError(t, parent.AddSubgraph("run_child", child, Projector{}))
	require.NoError(t, parent.StartAt("run_child"))

	result, err := parent.Run(context.Background(), "thread-1", State{"child_value": 5})
	require.NoError(t, err)
	assert.Equal(t, float64(10), result["child_value"])
}

func TestSubgraphPropagatesSuspension(t *testing.T) {
	saver := checkpoint.NewMemStore()

	childSchema := NewSchema(Channel{Name: "approval", Reducer: Overwrite})
	child := New(childSchema, saver, emit.NewNullEmitter())
	require.NoError(t, child.Add("ask", NodeFunc(func(ctx context.Context, state State) (Command, error) {
		panic(&fakeSuspension{id: "interrupt-1", payload: "approve?"})
	})))
	require.NoError(t, child.StartAt("ask"))

	parentSchema := NewSchema(Channel{Name: "approval", Reducer: Overwrite})
	parent := New(parentSchema, saver, emit.NewNullEmitter())
	require.NoError(t, parent.AddSubgraph("run_child", child, Projector{}))
	require.NoError(t, parent.StartAt("run_child"))

	_, err := parent.Run(context.Background(), "thread-1", State{})
	var suspended *SuspendedError
	require.ErrorAs(t, err, &suspended)
	require.Len(t, suspended.Suspensions, 1)
	id, payload := suspended.Suspensions[0].InterruptPayload()
	assert.Equal(t, "interrupt-1", id)
	assert.Equal(t, "approve?", payload)
}

type fakeSuspension struct {
	id      string
	payload any
}

func (f *fakeSuspension) Error() string { return "suspended" }

func (f *fakeSuspension) InterruptPayload() (string, any) { return f.id, f.payload }
