package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is a superstep's view of graph channels. It is always JSON
// round-trippable: values must marshal cleanly, since State is the unit the
// checkpointer persists and the streaming dispatcher serializes for
// subscribers. No channel value may carry an unexported or function type.
//
// Rather than one function merging an entire typed struct, each named
// channel declares its own reducer kind (graph.Overwrite or graph.Append)
// in a Schema, and mergeDeltas applies them independently. Reducers are
// declared, never inferred.
type State map[string]any

// Clone returns a deep-enough copy of s suitable for handing to a
// concurrently executing node: subsequent writes to the clone must not be
// observable through s. JSON round-trip is used deliberately (matching the
// checkpoint encoding) rather than a reflection-based deep copy, so that
// what a node observes is exactly what would be restored from a
// checkpoint.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("graph: state not encodable: %w", err)
	}
	out := State{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: state clone: %w", err)
	}
	return out, nil
}

// delta is one node's proposed channel writes for the superstep it ran in,
// tagged with the OrderKey of the work item that produced it so Append
// merges stay deterministic regardless of goroutine scheduling order.
type delta struct {
	nodeID   string
	orderKey uint64
	values   State
}

// mergeDeltas applies a superstep's collected deltas onto base according to
// schema, in OrderKey order. Two deltas writing the same Overwrite channel
// is a conflict and returns a *MergeConflictError; Append channels
// concatenate.
func mergeDeltas(schema *Schema, base State, deltas []delta) (State, error) {
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].orderKey < deltas[j].orderKey })

	out, err := base.Clone()
	if err != nil {
		return nil, err
	}
	written := map[string]string{} // channel -> node that wrote it this superstep (Overwrite only)

	for _, d := range deltas {
		for channel, val := range d.values {
			kind, err := schema.ReducerFor(channel)
			if err != nil {
				return nil, fmt.Errorf("graph: node %s: %w", d.nodeID, err)
			}
			switch kind {
			case Overwrite:
				if prevNode, ok := written[channel]; ok && prevNode != d.nodeID {
					return nil, &MergeConflictError{Channel: channel, Writers: []string{prevNode, d.nodeID}}
				}
				written[channel] = d.nodeID
				out[channel] = val
			case Append:
				items, err := asSlice(val)
				if err != nil {
					return nil, fmt.Errorf("graph: node %s append to %q: %w", d.nodeID, channel, err)
				}
				existing, _ := out[channel].([]any)
				out[channel] = append(existing, items...)
			default:
				return nil, fmt.Errorf("graph: channel %q has unknown reducer kind", channel)
			}
		}
	}
	return out, nil
}

// asSlice normalizes a delta value destined for an Append channel into
// []any, accepting either a single value (wrapped as a one-element slice)
// or an existing slice.
func asSlice(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	default:
		return []any{t}, nil
	}
}

// MergeConflictError reports two nodes writing the same Overwrite channel
// within one superstep.
type MergeConflictError struct {
	Channel string
	Writers []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("graph: merge conflict on channel %q between writers %v", e.Channel, e.Writers)
}
