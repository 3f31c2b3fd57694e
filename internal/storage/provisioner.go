package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
)

// NamespaceID identifies one namespace, the unit a blueprint places.
type NamespaceID uuid.UUID

// NewNamespaceID returns a random namespace id.
func NewNamespaceID() NamespaceID { return NamespaceID(uuid.New()) }

// ParseNamespaceID parses the canonical UUID form.
func ParseNamespaceID(s string) (NamespaceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NamespaceID{}, fmt.Errorf("invalid namespace id %q: %w", s, err)
	}
	return NamespaceID(u), nil
}

func (n NamespaceID) String() string { return uuid.UUID(n).String() }

// Provisioner hands out the store backing one key range of one namespace.
type Provisioner interface {
	// Provision returns the store for r, creating it if needed. Calling it
	// again before Release returns the same store.
	Provision(ns NamespaceID, r blueprint.KeyRange) (Store, error)
	// Release closes the store for r and discards its data.
	Release(ns NamespaceID, r blueprint.KeyRange) error
	// FilePathFor is where the data for r lives, or "" if it has no file.
	FilePathFor(ns NamespaceID, r blueprint.KeyRange) string
}

type storeKey struct {
	ns NamespaceID
	r  blueprint.KeyRange
}

// MemoryProvisioner provisions MemoryStores.
type MemoryProvisioner struct {
	mu     sync.Mutex
	stores map[storeKey]*MemoryStore
}

func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{stores: make(map[storeKey]*MemoryStore)}
}

func (p *MemoryProvisioner) Provision(ns NamespaceID, r blueprint.KeyRange) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := storeKey{ns, r}
	s, ok := p.stores[k]
	if !ok {
		s = NewMemoryStore()
		p.stores[k] = s
	}
	return s, nil
}

func (p *MemoryProvisioner) Release(ns NamespaceID, r blueprint.KeyRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stores, storeKey{ns, r})
	return nil
}

func (p *MemoryProvisioner) FilePathFor(NamespaceID, blueprint.KeyRange) string { return "" }

// Provisioned reports how many stores are live.
func (p *MemoryProvisioner) Provisioned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stores)
}

// FileProvisioner keeps each key range in its own SQLite file under a base
// directory:
//
//	<base>/<namespace>/<hex(start)>_<hex(end)>.sqlite
//
// Stores are assigned round-robin to a fixed set of writer goroutines owned
// by the provisioner.
type FileProvisioner struct {
	base    string
	logger  *zap.Logger
	writers []*writer
	next    atomic.Uint64

	mu     sync.Mutex
	stores map[storeKey]*SQLiteStore
	closed bool
}

// NewFileProvisioner creates base if needed and starts workers writers.
func NewFileProvisioner(base string, workers int, logger *zap.Logger) (*FileProvisioner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}
	p := &FileProvisioner{
		base:   base,
		logger: logger.Named("storage"),
		stores: make(map[storeKey]*SQLiteStore),
	}
	for i := 0; i < workers; i++ {
		p.writers = append(p.writers, newWriter())
	}
	return p, nil
}

func (p *FileProvisioner) FilePathFor(ns NamespaceID, r blueprint.KeyRange) string {
	name := hex.EncodeToString([]byte(r.Start)) + "_" + hex.EncodeToString([]byte(r.End)) + ".sqlite"
	return filepath.Join(p.base, ns.String(), name)
}

func (p *FileProvisioner) Provision(ns NamespaceID, r blueprint.KeyRange) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	k := storeKey{ns, r}
	if s, ok := p.stores[k]; ok {
		return s, nil
	}
	w := p.writers[p.next.Add(1)%uint64(len(p.writers))]
	s, err := openSQLite(p.FilePathFor(ns, r), w)
	if err != nil {
		return nil, err
	}
	p.stores[k] = s
	p.logger.Info("store provisioned", zap.Stringer("range", r), zap.String("path", s.Path()))
	return s, nil
}

func (p *FileProvisioner) Release(ns NamespaceID, r blueprint.KeyRange) error {
	p.mu.Lock()
	k := storeKey{ns, r}
	s, ok := p.stores[k]
	delete(p.stores, k)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.Close()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(s.Path() + suffix); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
	}
	p.logger.Info("store released", zap.Stringer("range", r))
	return err
}

// Close closes every open store and stops the writers. Files are kept.
func (p *FileProvisioner) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stores := p.stores
	p.stores = nil
	p.mu.Unlock()

	var err error
	for _, s := range stores {
		err = multierr.Append(err, s.Close())
	}
	for _, w := range p.writers {
		w.stop()
	}
	return err
}
