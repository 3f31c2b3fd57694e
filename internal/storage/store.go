package storage

import (
	"errors"
	"sort"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Store defines the interface for the key-value storage behind one replica
// of one key range. All implementations must be thread-safe for concurrent
// access.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// Scan calls fn for every key in [start, end) in ascending byte order.
	// An empty end means no upper bound. Scan stops at the first error
	// returned by fn and returns it.
	Scan(start, end string, fn func(key string, value []byte) error) error

	// List returns all keys in the store
	// Order is not guaranteed
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats

	// Close releases the store's resources
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore implements Store with an in-memory map.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

// Put stores a copy of value under key
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = clone(value)
	return nil
}

// Delete removes a key-value pair
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Scan visits a snapshot of the range taken when Scan starts, so fn may
// write to the store.
func (m *MemoryStore) Scan(start, end string, fn func(string, []byte) error) error {
	m.mu.RLock()
	type pair struct {
		k string
		v []byte
	}
	var pairs []pair
	for k, v := range m.data {
		if k >= start && (end == "" || k < end) {
			pairs = append(pairs, pair{k, clone(v)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	for _, p := range pairs {
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// List returns all keys in the store
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns current statistics about the store
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Close is a no-op; the data lives as long as the MemoryStore value.
func (m *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
