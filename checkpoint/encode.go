package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Decimal is a high-precision numeric value carried as a string so it
// round-trips through JSON without float64 rounding. A $ amount must
// never silently lose a cent to float64 rounding in a checkpoint.
type Decimal string

// extensionEnvelope is the wire shape for tagged values:
// {"__type": tag, "value": ...}. Pickled or binary fallbacks are never
// produced; an unencodable channel value is always a hard error.
type extensionEnvelope struct {
	Type  string `json:"__type"`
	Value string `json:"value"`
}

// EncodeValue converts a single channel value into its checkpoint wire
// form, tagging Decimal and time.Time so a reader can distinguish them from
// plain strings.
func EncodeValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case Decimal:
		return json.Marshal(extensionEnvelope{Type: "decimal", Value: string(t)})
	case time.Time:
		return json.Marshal(extensionEnvelope{Type: "time", Value: t.UTC().Format(time.RFC3339Nano)})
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
		}
		return raw, nil
	}
}

// ErrUnencodable mirrors graph.ErrUnencodable for checkpoint-side failures,
// kept separate to avoid an import cycle between the two packages.
var ErrUnencodable = fmt.Errorf("checkpoint: value is not JSON-encodable")

// DecodeValue reverses EncodeValue, recognizing the extension envelope and
// falling back to the raw JSON value otherwise.
func DecodeValue(raw json.RawMessage) (any, error) {
	var env extensionEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type != "" {
		switch env.Type {
		case "decimal":
			return Decimal(env.Value), nil
		case "time":
			t, err := time.Parse(time.RFC3339Nano, env.Value)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: decode time extension: %w", err)
			}
			return t, nil
		}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("checkpoint: decode value: %w", err)
	}
	return generic, nil
}

// EncodeState serializes a channel map into the checkpoint's state_blob,
// applying EncodeValue per channel so Decimal and time.Time values carry
// their extension tag even though the map itself is encoded as one JSON
// object. Plain json.Marshal on the whole map would lose that tagging since
// Decimal is just a string type underneath.
func EncodeState(channels map[string]any) (json.RawMessage, error) {
	tagged := make(map[string]json.RawMessage, len(channels))
	for name, v := range channels {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: encode channel %q: %w", name, err)
		}
		tagged[name] = raw
	}
	out, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return out, nil
}

// DecodeState reverses EncodeState.
func DecodeState(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("checkpoint: decode state: %w", err)
	}
	out := make(map[string]any, len(tagged))
	for name, raw := range tagged {
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode channel %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
