package directory

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is an in-memory Directory used by tests and local seeding.
// RWMutex lets concurrent row scoring read without contention.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string][]Entry // keyed by organization
}

// NewMemoryDirectory constructs an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string][]Entry)}
}

// Add registers an entry under its organization.
func (m *MemoryDirectory) Add(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Organization] = append(m.entries[entry.Organization], entry)
}

// LookupByExact implements Directory.
func (m *MemoryDirectory) LookupByExact(_ context.Context, org string, field Field, value string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, e := range m.entries[org] {
		var have string
		switch field {
		case FieldEmail:
			have = e.Email
		case FieldExternalID:
			have = e.ExternalID
		default:
			return nil, nil
		}
		if have != "" && strings.EqualFold(have, value) {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

// ListCandidates implements Directory.
func (m *MemoryDirectory) ListCandidates(_ context.Context, org string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[org]
	out := make([]Entry, len(src))
	copy(out, src)
	return out, nil
}
