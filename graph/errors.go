// Package graph provides the core graph execution engine for the valuation
// orchestrator.
package graph

import (
	"context"
	"errors"
)

// ErrRecursionLimit indicates a run (top-level or subgraph) used up its
// superstep budget: Options.MaxSteps, or 250 when MaxSteps is zero.
var ErrRecursionLimit = errors.New("subgraph recursion limit exceeded")

// ErrUnencodable indicates a channel value could not be JSON-encoded for
// checkpointing or streaming. There is no pickled/binary fallback; this is
// always a hard error.
var ErrUnencodable = errors.New("state value is not JSON-encodable")

// ErrUnknownInterrupt indicates Resume was called with a resume value
// keyed by an interrupt id that was not among those recorded when the run
// suspended.
var ErrUnknownInterrupt = errors.New("graph: resume value references an interrupt id not pending on this checkpoint")

// Note: ErrIdempotencyViolation and ErrMaxAttemptsExceeded are defined in
// checkpoint.go.

// EngineError is the engine's structured failure type, carrying a stable
// Code alongside a human Message so callers (and the boundary adapter's
// error-kind mapping) can branch on failure class without string
// matching.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// ConflictErrorCode is the EngineError code for a concurrent-write
// conflict; the concrete conflict type is MergeConflictError (state.go).
const ConflictErrorCode = "CONFLICT"

// ErrorKind classifies err into the stable error-kind taxonomy, the
// same strings the boundary package's classify function and the stream
// package's error/lifecycle.end envelopes surface to a client. Unrecognized
// errors fall back to "node_error", since a bare node failure is the most
// common shape an unclassified error represents.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "execution_timeout"
	case errors.Is(err, ErrRecursionLimit):
		return "recursion_limit"
	case errors.Is(err, ErrUnknownInterrupt):
		return "not_found"
	}

	var conflict *MergeConflictError
	if errors.As(err, &conflict) {
		return "conflict"
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Code {
		case "persistence_failure":
			return "persistence_failure"
		case "retry_exhausted":
			return "retry_exhausted"
		case "NODE_TIMEOUT":
			return "execution_timeout"
		}
	}

	return "node_error"
}
