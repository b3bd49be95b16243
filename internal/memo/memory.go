package memo

import (
	"context"
	"sync"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// MemoryStore is the process-lifetime report cache. A single mutex guards
// the map and is held only for the map access itself, never while a report
// is being computed.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[request.Key]string
	counters
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[request.Key]string),
	}
}

// Lookup returns the cached report for key.
func (m *MemoryStore) Lookup(ctx context.Context, key request.Key) (string, bool, error) {
	m.mu.Lock()
	report, ok := m.entries[key]
	m.mu.Unlock()

	m.record(ok)
	return report, ok, nil
}

// Store records report for key.
func (m *MemoryStore) Store(ctx context.Context, key request.Key, report string) error {
	m.mu.Lock()
	m.entries[key] = report
	m.mu.Unlock()
	return nil
}

// Stats returns the entry count and counters.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return m.stats("memory", int64(n)), nil
}

// Clear drops every entry.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[request.Key]string)
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
