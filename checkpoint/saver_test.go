package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseSaver runs the backend-agnostic Saver conformance checks the
// DSN-gated MySQL/Postgres integration tests share: put/get round trip,
// latest-by-created-at resolution, descending List with a limit, and the
// idempotency-key abort leaving no partial commit behind. threadID should
// be unique per run so repeated invocations against a persistent database
// never observe each other's rows.
func exerciseSaver(t *testing.T, store Saver) {
	t.Helper()
	ctx := context.Background()
	threadID := "test-" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Microsecond)

	first := Checkpoint{
		ThreadID: threadID, CheckpointID: "c1",
		State:     json.RawMessage(`{"x":1}`),
		Metadata:  Metadata{Source: SourceInput, Step: 1, Extra: map[string]string{"k": "v"}},
		CreatedAt: t0,
	}
	writes := []Write{{Channel: "x", NodeID: "n1", Value: json.RawMessage(`1`)}}
	require.NoError(t, store.Put(ctx, first, writes, ""))

	got, gotWrites, err := store.Get(ctx, threadID, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CheckpointID)
	assert.Equal(t, SourceInput, got.Metadata.Source)
	assert.JSONEq(t, `{"x":1}`, string(got.State))
	require.Len(t, gotWrites, 1)
	assert.Equal(t, "x", gotWrites[0].Channel)

	second := Checkpoint{
		ThreadID: threadID, CheckpointID: "c2", ParentID: "c1",
		State:     json.RawMessage(`{"x":2}`),
		Metadata:  Metadata{Source: SourceLoop, Step: 2},
		CreatedAt: t0.Add(time.Second),
	}
	require.NoError(t, store.Put(ctx, second, nil, "key-1"))

	latest, _, err := store.Get(ctx, threadID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.CheckpointID)
	assert.Equal(t, "c1", latest.ParentID)

	// Re-using the idempotency key aborts the whole commit: c3 must not
	// land.
	third := Checkpoint{
		ThreadID: threadID, CheckpointID: "c3", ParentID: "c2",
		State:     json.RawMessage(`{"x":3}`),
		Metadata:  Metadata{Source: SourceLoop, Step: 3},
		CreatedAt: t0.Add(2 * time.Second),
	}
	err = store.Put(ctx, third, nil, "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyViolation)
	_, _, err = store.Get(ctx, threadID, "", "c3")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.List(ctx, threadID, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].CheckpointID)
	assert.Equal(t, "c1", list[1].CheckpointID)

	limited, err := store.List(ctx, threadID, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c2", limited[0].CheckpointID)

	_, _, err = store.Get(ctx, "no-such-"+uuid.NewString(), "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}
