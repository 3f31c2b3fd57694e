package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns one fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

// TestStore runs the same behaviour checks against every implementation
func TestStore(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Run("missing key", func(t *testing.T) {
				_, err := store.Get("nonexistent")
				if !errors.Is(err, ErrKeyNotFound) {
					t.Errorf("Expected ErrKeyNotFound, got %v", err)
				}
			})

			t.Run("put get overwrite", func(t *testing.T) {
				require.NoError(t, store.Put("key1", []byte("value1")))
				value, err := store.Get("key1")
				require.NoError(t, err)
				assert.Equal(t, []byte("value1"), value)

				require.NoError(t, store.Put("key1", []byte("value2")))
				value, err = store.Get("key1")
				require.NoError(t, err)
				assert.Equal(t, []byte("value2"), value)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, store.Put("gone", []byte("x")))
				require.NoError(t, store.Delete("gone"))
				_, err := store.Get("gone")
				assert.ErrorIs(t, err, ErrKeyNotFound)

				// deleting a missing key is not an error
				assert.NoError(t, store.Delete("never-existed"))
			})

			t.Run("empty and nil values", func(t *testing.T) {
				require.NoError(t, store.Put("empty", []byte{}))
				require.NoError(t, store.Put("nil", nil))
				for _, k := range []string{"empty", "nil"} {
					v, err := store.Get(k)
					require.NoError(t, err, k)
					assert.Len(t, v, 0, k)
				}
			})

			t.Run("value isolation", func(t *testing.T) {
				buf := []byte("original")
				require.NoError(t, store.Put("iso", buf))
				buf[0] = 'X'
				v, err := store.Get("iso")
				require.NoError(t, err)
				assert.Equal(t, "original", string(v))
			})

			t.Run("scan", func(t *testing.T) {
				for _, k := range []string{"a", "b", "ba", "c", "d", "\xff"} {
					require.NoError(t, store.Put("scan/"+k, []byte(k)))
				}
				collect := func(start, end string) []string {
					var keys []string
					require.NoError(t, store.Scan(start, end, func(k string, v []byte) error {
						keys = append(keys, k)
						return nil
					}))
					return keys
				}
				assert.Equal(t, []string{"scan/b", "scan/ba", "scan/c"}, collect("scan/b", "scan/d"))
				assert.Equal(t, []string{"scan/d", "scan/\xff"}, collect("scan/d", ""))

				stop := errors.New("stop")
				n := 0
				err := store.Scan("scan/", "", func(string, []byte) error {
					n++
					return stop
				})
				assert.ErrorIs(t, err, stop)
				assert.Equal(t, 1, n)
			})

			t.Run("list and stats", func(t *testing.T) {
				keys := store.List()
				sort.Strings(keys)
				stats := store.Stats()
				assert.Equal(t, len(keys), stats.Keys)

				total := 0
				for _, k := range keys {
					v, err := store.Get(k)
					require.NoError(t, err)
					total += len(v)
				}
				assert.Equal(t, total, stats.Bytes)
			})
		})
	}
}

// TestStoreConcurrency exercises concurrent readers and writers
func TestStoreConcurrency(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			const goroutines, perG = 8, 50
			var wg sync.WaitGroup
			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < perG; i++ {
						key := fmt.Sprintf("g%d-k%d", g, i)
						if err := store.Put(key, []byte(key)); err != nil {
							t.Errorf("put %s: %v", key, err)
							return
						}
						v, err := store.Get(key)
						if err != nil || !bytes.Equal(v, []byte(key)) {
							t.Errorf("get %s: %q %v", key, v, err)
							return
						}
					}
				}(g)
			}
			wg.Wait()
			assert.Equal(t, goroutines*perG, store.Stats().Keys)
		})
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "closed.sqlite"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put("k", []byte("v")), ErrClosed)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.sqlite")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
