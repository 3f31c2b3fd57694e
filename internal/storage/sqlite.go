package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLiteStore keeps one key range in a single SQLite file.
//
// Reads go straight to the database. Writes are funnelled through a writer
// goroutine, which may be shared with other stores, so the file only ever
// sees one writer.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	w       *writer
	ownsW   bool
	closeMu sync.Once
}

// OpenSQLiteStore opens, creating if needed, the store at path with a
// writer of its own.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	s, err := openSQLite(path, newWriter())
	if err != nil {
		return nil, err
	}
	s.ownsW = true
	return s, nil
}

func openSQLite(path string, w *writer) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create store directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize store %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path, w: w}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, []byte(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *SQLiteStore) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.w.do(func() error {
		_, err := s.db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)
			ON CONFLICT (k) DO UPDATE SET v = excluded.v`, []byte(key), value)
		return err
	})
}

func (s *SQLiteStore) Delete(key string) error {
	return s.w.do(func() error {
		_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, []byte(key))
		return err
	})
}

// Scan reads the range in one query. fn must not write to this store,
// since the writer may be blocked behind the open read.
func (s *SQLiteStore) Scan(start, end string, fn func(string, []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end == "" {
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k`, []byte(start))
	} else {
		rows, err = s.db.Query(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, []byte(start), []byte(end))
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) List() []string {
	rows, err := s.db.Query(`SELECT k FROM kv`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k []byte
		if rows.Scan(&k) == nil {
			keys = append(keys, string(k))
		}
	}
	return keys
}

func (s *SQLiteStore) Stats() StoreStats {
	var st StoreStats
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(v)), 0) FROM kv`).Scan(&st.Keys, &st.Bytes)
	return st
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeMu.Do(func() {
		if s.ownsW {
			s.w.stop()
		}
		err = s.db.Close()
	})
	return err
}

// writer runs write functions one at a time.
type writer struct {
	jobs chan job
	done chan struct{}
	once sync.Once
}

type job struct {
	fn  func() error
	res chan error
}

func newWriter() *writer {
	w := &writer{jobs: make(chan job), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *writer) run() {
	for {
		select {
		case <-w.done:
			return
		case j := <-w.jobs:
			j.res <- j.fn()
		}
	}
}

func (w *writer) do(fn func() error) error {
	j := job{fn: fn, res: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-w.done:
		return ErrClosed
	}
	return <-j.res
}

func (w *writer) stop() {
	w.once.Do(func() { close(w.done) })
}
