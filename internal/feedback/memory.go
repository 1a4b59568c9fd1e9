package feedback

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string][]Record // newest last, keyed by organization
	seen       map[string]bool     // dedupe keys
	thresholds map[string]Threshold
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string][]Record),
		seen:       make(map[string]bool),
		thresholds: make(map[string]Threshold),
	}
}

// AppendFeedback implements Store.
func (m *MemoryStore) AppendFeedback(_ context.Context, rec Record, dedupeKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[dedupeKey] {
		return false, nil
	}
	m.seen[dedupeKey] = true
	m.records[rec.Organization] = append(m.records[rec.Organization], rec)
	return true, nil
}

// RecentFeedback implements Store, returning up to n newest records.
func (m *MemoryStore) RecentFeedback(_ context.Context, org string, n int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.records[org]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Record, len(all))
	copy(out, all)
	return out, nil
}

// GetThreshold implements Store; nil means no threshold stored yet.
func (m *MemoryStore) GetThreshold(_ context.Context, org string) (*Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.thresholds[org]; ok {
		copy := t
		return &copy, nil
	}
	return nil, nil
}

// PutThreshold implements Store.
func (m *MemoryStore) PutThreshold(_ context.Context, t Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.Organization] = t
	return nil
}
