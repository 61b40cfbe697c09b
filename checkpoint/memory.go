package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-process Saver backed by a map, used in tests and for
// local development runs that don't need durability across restarts.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint   // key: threadID|namespace|checkpointID
	writes      map[string][]Write     // same key
	byNamespace map[string][]string    // threadID|namespace -> checkpointIDs in commit order
	idempotency map[string]bool        // threadID|idempotencyKey
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]Checkpoint),
		writes:      make(map[string][]Write),
		byNamespace: make(map[string][]string),
		idempotency: make(map[string]bool),
	}
}

func nsKey(threadID, namespace string) string { return threadID + "\x00" + namespace }
func cpKey(threadID, namespace, id string) string { return threadID + "\x00" + namespace + "\x00" + id }

func (m *MemStore) Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		idk := cp.ThreadID + "\x00" + idempotencyKey
		if m.idempotency[idk] {
			return ErrIdempotencyViolation
		}
		m.idempotency[idk] = true
	}

	key := cpKey(cp.ThreadID, cp.Namespace, cp.CheckpointID)
	m.checkpoints[key] = cp
	m.writes[key] = writes
	ns := nsKey(cp.ThreadID, cp.Namespace)
	m.byNamespace[ns] = append(m.byNamespace[ns], cp.CheckpointID)
	return nil
}

func (m *MemStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if checkpointID == "" {
		ns := nsKey(threadID, namespace)
		ids := m.byNamespace[ns]
		if len(ids) == 0 {
			return Checkpoint{}, nil, ErrNotFound
		}
		checkpointID = ids[len(ids)-1]
	}

	key := cpKey(threadID, namespace, checkpointID)
	cp, ok := m.checkpoints[key]
	if !ok {
		return Checkpoint{}, nil, ErrNotFound
	}
	return cp, m.writes[key], nil
}

func (m *MemStore) List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := nsKey(threadID, namespace)
	ids := m.byNamespace[ns]
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.checkpoints[cpKey(threadID, namespace, id)])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }
