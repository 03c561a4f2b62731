package playbook

import (
	"context"
	"sync"
	"time"

	"github.com/mohammad-safakhou/askace/internal/failure"
)

// MemoryStore keeps items in process memory. Readers see either the state
// before or after a batch, never a partial one.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
	now   func() time.Time
}

// NewMemoryStore returns an empty store, optionally pre-filled with items.
func NewMemoryStore(items ...Item) *MemoryStore {
	m := &MemoryStore{items: make(map[string]Item), now: time.Now}
	for _, it := range items {
		it = it.Clone()
		it.Tags = NormalizeTags(it.Tags)
		if it.Version == 0 {
			it.Version = 1
		}
		m.items[it.ID] = it
	}
	return m
}

func (m *MemoryStore) Upsert(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range b.Inserts {
		if _, ok := m.items[it.ID]; ok {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s already exists", it.ID)
		}
	}
	for _, it := range b.Updates {
		cur, ok := m.items[it.ID]
		if !ok {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s does not exist", it.ID)
		}
		if cur.Version != it.Version {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s at version %d, batch expected %d", it.ID, cur.Version, it.Version)
		}
		if it.Helpful < cur.Helpful || it.Harmful < cur.Harmful {
			return failure.Newf(failure.ReasonMergeConflict, "playbook upsert", "item %s counters would decrease", it.ID)
		}
	}

	now := m.now().UTC()
	for _, it := range b.Inserts {
		it = it.Clone()
		it.Tags = NormalizeTags(it.Tags)
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		it.Version = 1
		m.items[it.ID] = it
	}
	for _, it := range b.Updates {
		it = it.Clone()
		it.Tags = NormalizeTags(it.Tags)
		it.CreatedAt = m.items[it.ID].CreatedAt
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		it.Version++
		m.items[it.ID] = it
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, tag string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, it := range m.items {
		if it.Deprecated() || (tag != "" && !it.HasTag(tag)) {
			continue
		}
		out = append(out, it.Clone())
	}
	sortItems(out)
	return out, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Items: make(map[string]Item, len(m.items))}
	for id, it := range m.items {
		s.Items[id] = it.Clone()
	}
	return s, nil
}

func (m *MemoryStore) Close() error { return nil }
