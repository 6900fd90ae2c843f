package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID]Record)}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("offline: duplicate record %s", rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Unsynced(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if !rec.Synced {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *Memory) MarkSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Synced {
		return nil
	}
	rec.Synced = true
	rec.SyncedAt = &at
	m.records[id] = rec
	return nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, rec := range m.records {
		if rec.Synced && rec.SyncedAt != nil && rec.SyncedAt.Before(before) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the total number of stored records, synced or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
