package graph

import "context"

// Node is a processing unit in the graph. It receives the superstep's State
// view and returns a Command describing what it wrote and where execution
// should go next.
//
// Node bodies are re-executed in full on resume after an interrupt (see
// package interrupt): a Node must be safe to run again from its start given
// the same State, producing the same side effects or none at all for
// effects it already performed.
type Node interface {
	Run(ctx context.Context, state State) (Command, error)
}

// Command is the result of running a Node: the channel writes it proposes
// for this superstep (Update), and where execution continues (Goto).
//
// There is no resume field here: a resumed node
// reads its resume value back out of the context via graph.ResumeValue,
// keyed by the deterministic interrupt id it itself produced before
// suspending, rather than receiving it as part of a returned Command.
type Command struct {
	// Update holds this node's proposed channel writes, merged via the
	// schema's declared reducers.
	Update State

	// Goto names the next node(s) to run; more than one entry fans out.
	Goto []string

	// Terminal ends the run when true, regardless of Goto.
	Terminal bool
}

// Stop returns a Command that ends the run.
func Stop() Command { return Command{Terminal: true} }

// GotoNode returns a Command that routes to a single node.
func GotoNode(nodeID string) Command { return Command{Goto: []string{nodeID}} }

// Fanout returns a Command that routes to several nodes concurrently within
// the next superstep.
func Fanout(nodeIDs ...string) Command { return Command{Goto: nodeIDs} }

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state State) (Command, error)

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) (Command, error) { return f(ctx, state) }

// NodeError carries structured, machine-readable node failure
// information.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *NodeError) Unwrap() error { return e.Cause }
