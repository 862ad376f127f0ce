package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrStoreClosed indicates an operation on a closed SQLiteQueryStore
var ErrStoreClosed = errors.New("query store is closed")

// fixed width so that created_at sorts chronologically as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteQueryStore persists saved queries to SQLite.
// Suitable for single-process use such as the evaluate CLI.
type SQLiteQueryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteQueryStore opens (or creates) a query store at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteQueryStore(path string) (*SQLiteQueryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queries_active
		ON queries(active, created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteQueryStore{db: db}, nil
}

// Add implements QueryStore.
func (s *SQLiteQueryStore) Add(q *SavedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	definition, err := json.Marshal(q.Query)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	now := time.Now().UTC()
	stamp := now.Format(sqliteTimeLayout)

	result, err := s.db.Exec(`
		INSERT INTO queries (id, name, definition, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, q.ID, q.Name, string(definition), q.Active, stamp, stamp)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrQueryExists, q.ID)
	}

	q.CreatedAt = now
	q.UpdatedAt = now
	return nil
}

// Get implements QueryStore.
func (s *SQLiteQueryStore) Get(id string) (*SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.get(id)
}

func (s *SQLiteQueryStore) get(id string) (*SavedQuery, error) {
	row := s.db.QueryRow(`
		SELECT id, name, definition, active, created_at, updated_at
		FROM queries
		WHERE id = ?
	`, id)

	q, err := scanSQLiteQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load query: %w", err)
	}
	return q, nil
}

// ListActive implements QueryStore.
func (s *SQLiteQueryStore) ListActive() ([]*SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, name, definition, active, created_at, updated_at
		FROM queries
		WHERE active = 1
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var queries []*SavedQuery
	for rows.Next() {
		q, err := scanSQLiteQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		queries = append(queries, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}

	return queries, nil
}

// Update implements QueryStore.
func (s *SQLiteQueryStore) Update(q *SavedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	existing, err := s.get(q.ID)
	if err != nil {
		return err
	}

	definition, err := json.Marshal(q.Query)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`
		UPDATE queries
		SET name = ?, definition = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, q.Name, string(definition), q.Active, now.Format(sqliteTimeLayout), q.ID); err != nil {
		return fmt.Errorf("update query: %w", err)
	}

	q.CreatedAt = existing.CreatedAt
	q.UpdatedAt = now
	return nil
}

// Delete implements QueryStore.
func (s *SQLiteQueryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec(`DELETE FROM queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete query: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	return nil
}

// Close releases the database handle
func (s *SQLiteQueryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func scanSQLiteQuery(row rowScanner) (*SavedQuery, error) {
	var q SavedQuery
	var definition, createdAt, updatedAt string
	if err := row.Scan(&q.ID, &q.Name, &definition, &q.Active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsed, err := ParseQuery([]byte(definition))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.ID, err)
	}
	q.Query = parsed
	q.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	q.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return &q, nil
}
