package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists named record collections as JSON documents in a local
// SQLite database. Every collection carries its own mutex so that two
// read-modify-write cycles against the same collection never interleave,
// while different collections proceed independently.
type Store struct {
	DB *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS collections (
    name TEXT PRIMARY KEY,
    doc  TEXT NOT NULL
);`

func Open(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY under concurrent updates to different collections.
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{DB: sqldb, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// lockFor returns the mutex guarding one collection, creating it on first
// use. The lock map belongs to the store instance, not the package.
func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Store) readDoc(ctx context.Context, name string) ([]byte, error) {
	var doc string
	err := s.DB.QueryRowContext(ctx, `SELECT doc FROM collections WHERE name=?`, name).Scan(&doc)
	if err == sql.ErrNoRows {
		// First touch initializes the collection to empty.
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO collections (name, doc) VALUES (?, '[]') ON CONFLICT(name) DO NOTHING`, name)
		if err != nil {
			return nil, err
		}
		return []byte("[]"), nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *Store) writeDoc(ctx context.Context, name string, doc []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO collections (name, doc) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET doc=excluded.doc`, name, string(doc))
	return err
}

// ── Typed collections ────────────────────────────────

// Collection is a strongly typed view over one named collection. Records are
// validated on every read: a document that fails to decode as []T is an
// error, never silently coerced.
type Collection[T any] struct {
	store *Store
	name  string
}

func NewCollection[T any](s *Store, name string) *Collection[T] {
	return &Collection[T]{store: s, name: name}
}

func (c *Collection[T]) Name() string { return c.name }

// ReadAll returns the current full contents of the collection, reflecting
// the latest completed write. A collection that has never been written
// reads as empty.
func (c *Collection[T]) ReadAll(ctx context.Context) ([]T, error) {
	raw, err := c.store.readDoc(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.name, err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return out, nil
}

// Update runs transform over the current contents inside the collection's
// exclusive section and persists the result before returning it. Concurrent
// updates against the same collection are strictly serialized: the second
// transform sees the first one's write. A transform error aborts the update
// and nothing is persisted.
func (c *Collection[T]) Update(ctx context.Context, transform func([]T) ([]T, error)) ([]T, error) {
	l := c.store.lockFor(c.name)
	l.Lock()
	defer l.Unlock()

	cur, err := c.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	next, err := transform(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []T{}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.name, err)
	}
	if err := c.store.writeDoc(ctx, c.name, raw); err != nil {
		return nil, fmt.Errorf("write %s: %w", c.name, err)
	}
	return next, nil
}
