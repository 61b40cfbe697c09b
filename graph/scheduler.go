package graph

import (
	"crypto/sha256"
	"encoding/binary"
)

// WorkItem is a schedulable unit: one node's pending execution, its input
// State snapshot, and the provenance needed for deterministic ordering.
type WorkItem struct {
	StepID       int    `json:"step_id"`
	OrderKey     uint64 `json:"order_key"`
	NodeID       string `json:"node_id"`
	Namespace    string `json:"namespace"`
	State        State  `json:"state"`
	Attempt      int    `json:"attempt"`
	ParentNodeID string `json:"parent_node_id"`
	EdgeIndex    int    `json:"edge_index"`
}

// ComputeOrderKey derives a deterministic uint64 sort key from the spawning
// node and edge index, so concurrent work items always sort the same way
// regardless of goroutine completion order. The superstep barrier sorts its
// next batch by this key before executing it, which is what keeps append
// reducers and replayed runs byte-identical.
func ComputeOrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	hashBytes := h.Sum(nil)
	return binary.BigEndian.Uint64(hashBytes[:8])
}
