package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]*memEntry
	byEndpoint map[string]string
	seq        uint64
	now        func() time.Time
}

type memEntry struct {
	record *Record
	seq    uint64 // insertion order, breaks CreatedAt ties
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records:    make(map[string]*memEntry),
		byEndpoint: make(map[string]string),
		now:        time.Now,
	}
}

// Save stores or updates a subscription.
func (m *Memory) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byEndpoint[record.Subscription.Endpoint]; ok {
		existing := m.records[id].record
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	if old, ok := m.records[record.ID]; ok && old.record.Subscription.Endpoint != record.Subscription.Endpoint {
		delete(m.byEndpoint, old.record.Subscription.Endpoint)
	}
	prepare(record, m.now())

	// Make a copy to avoid external mutations
	entry, ok := m.records[record.ID]
	if !ok {
		m.seq++
		entry = &memEntry{seq: m.seq}
		m.records[record.ID] = entry
	}
	entry.record = copyRecord(record)
	m.byEndpoint[record.Subscription.Endpoint] = record.ID
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(entry.record), nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEndpoint[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(m.records[id].record), nil
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, entry := range m.sorted() {
		if entry.record.UserID == userID {
			results = append(results, copyRecord(entry.record))
		}
	}
	return results, nil
}

// CountByUserID returns how many subscriptions a user has.
func (m *Memory) CountByUserID(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.records {
		if entry.record.UserID == userID {
			count++
		}
	}
	return count, nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEndpoint, entry.record.Subscription.Endpoint)
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEndpoint[endpoint]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEndpoint, endpoint)
	delete(m.records, id)
	return nil
}

// List returns all subscriptions with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted()
	slices.Reverse(all)

	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))

	results := make([]*Record, 0, end-offset)
	for _, entry := range all[offset:end] {
		results = append(results, copyRecord(entry.record))
	}
	return results, nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

// sorted returns entries oldest first. Callers hold m.mu.
func (m *Memory) sorted() []*memEntry {
	all := make([]*memEntry, 0, len(m.records))
	for _, entry := range m.records {
		all = append(all, entry)
	}
	slices.SortFunc(all, func(a, b *memEntry) int {
		if c := a.record.CreatedAt.Compare(b.record.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return all
}
