package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used for tests and single-node development.
// It provides the same version and conditional-write semantics as the
// replicated store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]Record),
	}
}

// Get retrieves the current record for key.
func (m *Memory) Get(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.data[key]
	if !ok {
		return Record{}, &NotFoundError{Key: key}
	}
	return cloneRecord(rec), nil
}

// Put writes value unconditionally, bumping the version.
func (m *Memory) Put(ctx context.Context, key string, value []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: m.data[key].Version + 1,
	}
	m.data[key] = rec
	return cloneRecord(rec), nil
}

// ConditionalPut writes value only if the stored version matches
// expectedVersion (0 = create only).
func (m *Memory) ConditionalPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.data[key]
	if expectedVersion == 0 {
		if exists {
			return Record{}, &ConflictError{Key: key, ExpectedVersion: 0, ActualVersion: current.Version}
		}
	} else {
		if !exists || current.Version != expectedVersion {
			return Record{}, &ConflictError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
		}
	}

	rec := Record{
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: current.Version + 1,
	}
	m.data[key] = rec
	return cloneRecord(rec), nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; !ok {
		return &NotFoundError{Key: key}
	}
	delete(m.data, key)
	return nil
}

// List returns records under prefix in key order.
func (m *Memory) List(ctx context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0)
	for key, rec := range m.data {
		if strings.HasPrefix(key, prefix) {
			records = append(records, cloneRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

func cloneRecord(rec Record) Record {
	return Record{
		Key:     rec.Key,
		Value:   append([]byte(nil), rec.Value...),
		Version: rec.Version,
	}
}
