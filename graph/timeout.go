package graph

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout resolves the timeout for a node: NodePolicy.Timeout takes
// precedence, falling back to the engine-wide default, falling back to no
// timeout.
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs node under a derived timeout context and
// converts a deadline exceeded into a NODE_TIMEOUT EngineError.
//
// A node that calls interrupt.Interrupt suspends by panicking with a value
// implementing Suspension (package interrupt's *Suspend type) rather than
// returning an error. A single recover() turns that panic back into a
// normal (Command{}, Suspension) return so callers never see it escape a
// goroutine.
func executeNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	state State,
	policy *NodePolicy,
	defaultTimeout time.Duration,
) (cmd Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			if susp, ok := r.(Suspension); ok {
				err = susp
				return
			}
			panic(r)
		}
	}()

	timeout := getNodeTimeout(policy, defaultTimeout)

	if timeout == 0 {
		return node.Run(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err = node.Run(timeoutCtx, state)
	if err == nil && timeoutCtx.Err() == context.DeadlineExceeded {
		return cmd, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    "NODE_TIMEOUT",
		}
	}
	return cmd, err
}
