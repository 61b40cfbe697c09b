package checkpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedSaverRoundTripsState(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewEncryptedSaver(NewMemStore(), key)
	require.NoError(t, err)

	cp := Checkpoint{
		ThreadID:     "t1",
		CheckpointID: "c1",
		State:        json.RawMessage(`{"amount":"100.00"}`),
		Metadata:     Metadata{Source: SourceInput, Step: 0},
	}
	require.NoError(t, enc.Put(context.Background(), cp, nil, ""))

	got, _, err := enc.Get(context.Background(), "t1", "", "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"100.00"}`, string(got.State))
}

func TestEncryptedSaverUnderlyingStoreSeesCiphertext(t *testing.T) {
	key := make([]byte, 32)
	inner := NewMemStore()
	enc, err := NewEncryptedSaver(inner, key)
	require.NoError(t, err)

	cp := Checkpoint{ThreadID: "t1", CheckpointID: "c1", State: json.RawMessage(`{"secret":"plaintext-marker"}`)}
	require.NoError(t, enc.Put(context.Background(), cp, nil, ""))

	raw, _, err := inner.Get(context.Background(), "t1", "", "c1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.State), "plaintext-marker")
}

func TestNewEncryptedSaverRejectsWrongKeySize(t *testing.T) {
	_, err := NewEncryptedSaver(NewMemStore(), []byte("too-short"))
	assert.Error(t, err)
}

func TestEncryptedSaverListDecryptsAllEntries(t *testing.T) {
	key := make([]byte, 32)
	enc, err := NewEncryptedSaver(NewMemStore(), key)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, enc.Put(ctx, Checkpoint{ThreadID: "t1", CheckpointID: "c1", State: json.RawMessage(`{"a":1}`)}, nil, ""))
	require.NoError(t, enc.Put(ctx, Checkpoint{ThreadID: "t1", CheckpointID: "c2", State: json.RawMessage(`{"a":2}`)}, nil, ""))

	all, err := enc.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, cp := range all {
		assert.Contains(t, string(cp.State), `"a":`)
	}
}
