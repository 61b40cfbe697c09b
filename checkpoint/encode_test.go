package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValueDecimalRoundTrip(t *testing.T) {
	raw, err := EncodeValue(Decimal("1234.5678901234"))
	require.NoError(t, err)

	v, err := DecodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, Decimal("1234.5678901234"), v)
}

func TestEncodeDecodeValueTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	raw, err := EncodeValue(now)
	require.NoError(t, err)

	v, err := DecodeValue(raw)
	require.NoError(t, err)
	decoded, ok := v.(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(decoded))
}

func TestEncodeDecodeValuePlainTypesPassThrough(t *testing.T) {
	raw, err := EncodeValue("hello")
	require.NoError(t, err)
	v, err := DecodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	raw, err = EncodeValue(42.0)
	require.NoError(t, err)
	v, err = DecodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestEncodeValueRejectsUnencodable(t *testing.T) {
	_, err := EncodeValue(make(chan int))
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestEncodeDecodeStateRoundTrip(t *testing.T) {
	state := map[string]any{
		"amount":    Decimal("99.99"),
		"timestamp": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"label":     "dcf",
		"count":     float64(3),
	}

	raw, err := EncodeState(state)
	require.NoError(t, err)

	out, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, Decimal("99.99"), out["amount"])
	assert.Equal(t, "dcf", out["label"])
	assert.Equal(t, float64(3), out["count"])
	decoded, ok := out["timestamp"].(time.Time)
	require.True(t, ok)
	assert.True(t, state["timestamp"].(time.Time).Equal(decoded))
}

func TestDecodeStateEmptyReturnsEmptyMap(t *testing.T) {
	out, err := DecodeState(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEncodeStateRejectsUnencodableChannel(t *testing.T) {
	_, err := EncodeState(map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrUnencodable)
}
