package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

// ErrIdempotencyViolation is returned when a checkpoint commit reuses an
// idempotency key already committed for this thread.
var ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed")

// ErrMaxAttemptsExceeded is returned when a node's retry policy is
// exhausted.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// computeIdempotencyKey hashes (threadID, namespace, stepID, sorted work
// items, state) into a stable key. namespace is part of the hash so
// sibling subgraphs checkpointing concurrently under the same thread
// never collide.
func computeIdempotencyKey(threadID, namespace string, stepID int, items []WorkItem, state State) (string, error) {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write([]byte{0})
	h.Write([]byte(namespace))

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(stepID))
	h.Write(stepBytes)

	sortedItems := make([]WorkItem, len(items))
	copy(sortedItems, items)
	sort.Slice(sortedItems, func(i, j int) bool { return sortedItems[i].OrderKey < sortedItems[j].OrderKey })

	for _, item := range sortedItems {
		h.Write([]byte(item.NodeID))
		orderKeyBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(orderKeyBytes, item.OrderKey)
		h.Write(orderKeyBytes)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	h.Write(stateJSON)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
