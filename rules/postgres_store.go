package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresQueryStore implements QueryStore backed by PostgreSQL
type PostgresQueryStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresQueryStore creates a new PostgreSQL-backed QueryStore for a specific tenant
func NewPostgresQueryStore(db *sql.DB, tenantID string) *PostgresQueryStore {
	return &PostgresQueryStore{
		db:       db,
		tenantID: tenantID,
	}
}

// Add inserts a new saved query into the database
func (s *PostgresQueryStore) Add(q *SavedQuery) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM queries WHERE id = $1 AND tenant_id = $2)
	`, q.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check query existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrQueryExists, q.ID)
	}

	definition, err := json.Marshal(q.Query)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO queries (id, tenant_id, name, definition, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.ID, s.tenantID, q.Name, definition, q.Active, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert query: %w", err)
	}

	return nil
}

// Get retrieves a saved query by ID
func (s *PostgresQueryStore) Get(id string) (*SavedQuery, error) {
	row := s.db.QueryRow(`
		SELECT id, name, definition, active, created_at, updated_at
		FROM queries
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	q, err := scanSavedQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	return q, nil
}

// ListActive returns all active saved queries for the tenant
func (s *PostgresQueryStore) ListActive() ([]*SavedQuery, error) {
	rows, err := s.db.Query(`
		SELECT id, name, definition, active, created_at, updated_at
		FROM queries
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active queries: %w", err)
	}
	defer rows.Close()

	var queries []*SavedQuery
	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queries: %w", err)
	}

	return queries, nil
}

// Update modifies an existing saved query
func (s *PostgresQueryStore) Update(q *SavedQuery) error {
	existing, err := s.Get(q.ID)
	if err != nil {
		return err
	}

	definition, err := json.Marshal(q.Query)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	q.CreatedAt = existing.CreatedAt
	q.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE queries
		SET name = $1, definition = $2, active = $3, updated_at = $4
		WHERE id = $5 AND tenant_id = $6
	`, q.Name, definition, q.Active, q.UpdatedAt, q.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update query: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, q.ID)
	}

	return nil
}

// Delete removes a saved query from the database
func (s *PostgresQueryStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM queries
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete query: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSavedQuery(row rowScanner) (*SavedQuery, error) {
	var q SavedQuery
	var definition []byte
	if err := row.Scan(&q.ID, &q.Name, &definition, &q.Active, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}

	parsed, err := ParseQuery(definition)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.ID, err)
	}
	q.Query = parsed
	return &q, nil
}
