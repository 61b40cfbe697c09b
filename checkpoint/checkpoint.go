// Package checkpoint provides durable, resumable snapshots of graph
// executions, keyed by (thread_id, namespace, checkpoint_id) so that
// concurrent sibling subgraphs under the same thread can checkpoint
// independently.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint matches the requested key.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrIdempotencyViolation mirrors graph.ErrIdempotencyViolation: a second
// commit under an idempotency key already recorded for this thread.
var ErrIdempotencyViolation = errors.New("checkpoint: idempotency key already committed")

// Source records why a checkpoint was written.
type Source string

const (
	SourceInput     Source = "input"
	SourceLoop      Source = "loop"
	SourceInterrupt Source = "interrupt"
	SourceUpdate    Source = "update"
)

// Metadata carries the non-state facts about a checkpoint commit.
type Metadata struct {
	Source Source            `json:"source"`
	Step   int               `json:"step"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Write is one pending channel write recorded alongside a checkpoint,
// kept distinct from the checkpoint's already-merged State so a crash
// between "nodes finished" and "merge committed" can be recovered by
// replaying the writes rather than losing them.
type Write struct {
	Channel string          `json:"channel"`
	NodeID  string          `json:"node_id"`
	Value   json.RawMessage `json:"value"`
}

// Checkpoint is a durable snapshot of one thread/namespace's graph state.
type Checkpoint struct {
	ThreadID       string            `json:"thread_id"`
	Namespace      string            `json:"namespace"`
	CheckpointID   string            `json:"checkpoint_id"`
	ParentID       string            `json:"parent_id,omitempty"`
	State          json.RawMessage   `json:"state"`
	Metadata       Metadata          `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Saver is the durable checkpointer contract (component C2). Put commits a
// checkpoint and its pending writes atomically together: a backend must
// never persist a checkpoint without its accompanying writes, or vice versa.
type Saver interface {
	// Put durably commits checkpoint and its pending writes in one
	// atomic operation. If idempotencyKey is non-empty and already
	// recorded for this thread, Put returns ErrIdempotencyViolation
	// without re-committing.
	Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error

	// Get returns one checkpoint by id, or the latest checkpoint in
	// namespace when checkpointID is empty.
	Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error)

	// List returns a namespace's checkpoints, newest first by CreatedAt.
	// ParentID links are not followed; a limit > 0 caps the result.
	List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error)

	// Close releases any resources held by the backend.
	Close() error
}
