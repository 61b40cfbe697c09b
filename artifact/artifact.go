// Package artifact implements the blob store for payloads too large to
// live in graph state: large node outputs (rendered reports, fetched
// price series) are kept here, referenced from state/event payloads by id
// rather than embedded inline. Blobs are keyed by (thread_id,
// artifact_id); there is no version history.
package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no artifact matches the requested key.
var ErrNotFound = errors.New("artifact: not found")

// Blob is a stored artifact's full content.
type Blob struct {
	Data     []byte
	MimeType string
}

// Reference is the small, JSON-serializable pointer an event envelope or
// checkpoint state carries in place of an artifact's full bytes, plus the
// preview fields a UI needs for immediate rendering.
type Reference struct {
	ThreadID   string    `json:"thread_id"`
	ArtifactID string    `json:"artifact_id"`
	MimeType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the artifact backend contract. Implementations: local
// filesystem (local.go) and Tencent Cloud Object Storage (cos.go, an
// S3-compatible remote store).
type Store interface {
	// Put durably stores blob under (threadID, artifactID), overwriting
	// any prior content at that key, and returns the reference to record
	// alongside it.
	Put(ctx context.Context, threadID, artifactID string, blob Blob) (Reference, error)

	// Get retrieves a previously stored blob, or ErrNotFound.
	Get(ctx context.Context, threadID, artifactID string) (Blob, error)

	// Delete removes a stored blob. Deleting a missing key is not an
	// error: callers use this for retention-window sweeps where a
	// double-delete is routine.
	Delete(ctx context.Context, threadID, artifactID string) error

	// List returns every artifact id stored under threadID.
	List(ctx context.Context, threadID string) ([]string, error)
}

// clock is a seam so tests can observe deterministic CreatedAt values.
var clock = time.Now
