package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/storage"
)

// ErrOutOfRange is returned for a key outside the shard's range
var ErrOutOfRange = errors.New("key outside shard range")

// Write is one mutation, as applied locally and replicated to secondaries
type Write struct {
	Key    string `msgpack:"key"`
	Value  []byte `msgpack:"value"`
	Delete bool   `msgpack:"delete"`
}

// Shard is this peer's replica of one key range
// It wraps the range's store with range checks, operation counters and the
// buffer that holds replicated writes while a backfill is running
type Shard struct {
	Range blueprint.KeyRange // The keys this shard owns
	Store storage.Store      // The storage backend for this shard
	ops   OperationStats     // Updated atomically

	mu        sync.Mutex // Orders replicated writes against Flush
	buffering bool
	pending   []Write
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`    // Number of get operations
	Puts    uint64 `json:"puts"`    // Number of put operations
	Deletes uint64 `json:"deletes"` // Number of delete operations
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Range    blueprint.KeyRange `json:"range"`
	KeyCount int                `json:"keys"`      // Number of keys
	ByteSize int                `json:"bytes"`     // Total size in bytes
	Pending  int                `json:"buffered"`  // Replicated writes held back
	Backfill bool               `json:"buffering"` // Whether writes are being held back
}

// New creates the shard for r on top of store
func New(r blueprint.KeyRange, store storage.Store) *Shard {
	return &Shard{Range: r, Store: store}
}

// OwnsKey reports whether key falls inside the shard's range
func (s *Shard) OwnsKey(key string) bool {
	return s.Range.Contains(key)
}

func (s *Shard) check(key string) error {
	if !s.OwnsKey(key) {
		return fmt.Errorf("%w: %q not in %s", ErrOutOfRange, key, s.Range)
	}
	return nil
}

// Get retrieves a value by key
func (s *Shard) Get(key string) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a value
func (s *Shard) Put(key string, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	atomic.AddUint64(&s.ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes a key
func (s *Shard) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	atomic.AddUint64(&s.ops.Deletes, 1)
	return s.Store.Delete(key)
}

// Apply performs w immediately
func (s *Shard) Apply(w Write) error {
	if w.Delete {
		return s.Delete(w.Key)
	}
	return s.Put(w.Key, w.Value)
}

// Hold starts buffering replicated writes instead of applying them
// Used while a backfill is filling the store
func (s *Shard) Hold() {
	s.mu.Lock()
	s.buffering = true
	s.mu.Unlock()
}

// Replicate applies a write received from the primary, or buffers it while
// the shard is held
func (s *Shard) Replicate(w Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffering {
		s.pending = append(s.pending, w)
		return nil
	}
	return s.Apply(w)
}

// Flush applies buffered writes in arrival order and stops buffering
// Returns how many writes were applied
func (s *Shard) Flush() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.pending {
		if err := s.Apply(w); err != nil {
			s.pending = s.pending[i:]
			return i, err
		}
	}
	n := len(s.pending)
	s.pending = nil
	s.buffering = false
	return n, nil
}

// Discard drops buffered writes and stops buffering
// Used when a backfill is abandoned and will be restarted from scratch
func (s *Shard) Discard() {
	s.mu.Lock()
	s.pending = nil
	s.buffering = false
	s.mu.Unlock()
}

// Scan visits every key of the shard in order
func (s *Shard) Scan(fn func(key string, value []byte) error) error {
	return s.Store.Scan(s.Range.Start, s.Range.End, fn)
}

// ScanRange visits the keys of the shard that also fall inside r
func (s *Shard) ScanRange(r blueprint.KeyRange, fn func(key string, value []byte) error) error {
	in, ok := s.Range.Intersect(r)
	if !ok {
		return nil
	}
	return s.Store.Scan(in.Start, in.End, fn)
}

// Clear deletes every key of the shard
// Returns the number of keys deleted
func (s *Shard) Clear() (int, error) {
	var keys []string
	if err := s.Scan(func(k string, _ []byte) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Store.Delete(k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// GetStats returns current statistics about the shard
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.ops.Gets),
			Puts:    atomic.LoadUint64(&s.ops.Puts),
			Deletes: atomic.LoadUint64(&s.ops.Deletes),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns a summary of the shard
func (s *Shard) Info() ShardInfo {
	s.mu.Lock()
	pending, buffering := len(s.pending), s.buffering
	s.mu.Unlock()

	storageStats := s.Store.Stats()
	return ShardInfo{
		Range:    s.Range,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
		Pending:  pending,
		Backfill: buffering,
	}
}
