package graph

import (
	"context"
	"fmt"
)

// Projector maps the parent graph's State down to the subgraph's input
// State before invocation, and the subgraph's resulting State back up into
// a Command.Update for the parent, so a subgraph's internal channel names
// never have to match its parent's.
type Projector struct {
	// Down selects and renames the parent State a subgraph invocation
	// receives as its input.
	Down func(parent State) State

	// Up selects and renames a completed subgraph's State into the
	// channel writes the parent node's Command proposes.
	Up func(sub State) State
}

// defaultProjector passes state through unchanged in both directions, for
// subgraphs sharing their parent's channel schema.
func defaultProjector() Projector {
	return Projector{
		Down: func(parent State) State { return parent },
		Up:   func(sub State) State { return sub },
	}
}

// subgraphNode adapts a compiled Engine into a Node the parent graph can
// schedule like any other: it runs the subgraph to completion under a
// composed namespace (parent namespace + ":" + node id), a colon-joined
// path that keeps checkpoints and events attributable to the exact
// nesting level that produced them.
type subgraphNode struct {
	nodeID    string
	sub       *Engine
	project   Projector
	threadSep string
}

// Run implements Node. A suspension raised inside the subgraph propagates
// to the parent by panicking with the same Suspension value rather than
// being absorbed here, so the parent's own superstep sees exactly one
// suspension for this branch and the interrupt id remains derivable from
// the subgraph's own (composed) namespace.
func (n *subgraphNode) Run(ctx context.Context, state State) (Command, error) {
	threadID := ThreadID(ctx)
	namespace := Namespace(ctx)
	subNamespace := namespace + n.threadSep + n.nodeID

	subInput := n.project.Down(state)
	result, err := n.sub.RunNamespace(ctx, threadID, subNamespace, subInput)
	if err != nil {
		var suspended *SuspendedError
		if asErr, ok := err.(*SuspendedError); ok {
			suspended = asErr
		}
		if suspended != nil && len(suspended.Suspensions) == 1 {
			panic(suspended.Suspensions[0])
		}
		return Command{}, fmt.Errorf("subgraph %s: %w", n.nodeID, err)
	}

	return Command{Update: n.project.Up(result)}, nil
}

// AddSubgraph registers sub as a node invocable from the parent graph,
// projecting state across the namespace boundary with project. A zero
// Projector (project == Projector{}) is replaced with defaultProjector,
// which passes State through unchanged — appropriate when the subgraph
// shares its parent's Schema.
func (e *Engine) AddSubgraph(nodeID string, sub *Engine, project Projector, policy ...NodePolicy) error {
	if sub == nil {
		return &EngineError{Message: "subgraph engine cannot be nil", Code: "INVALID_NODE"}
	}
	if project.Down == nil || project.Up == nil {
		project = defaultProjector()
	}
	node := &subgraphNode{nodeID: nodeID, sub: sub, project: project, threadSep: ":"}
	return e.Add(nodeID, node, policy...)
}
