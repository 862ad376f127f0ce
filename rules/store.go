package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrQueryNotFound indicates no saved query has the requested ID
	ErrQueryNotFound = errors.New("query not found")

	// ErrQueryExists indicates a saved query with the same ID is already stored
	ErrQueryExists = errors.New("query already exists")
)

// QueryStore manages saved query persistence and retrieval
type QueryStore interface {
	// Add a new saved query
	Add(q *SavedQuery) error

	// Get a saved query by ID
	Get(id string) (*SavedQuery, error)

	// List all active saved queries, oldest first
	ListActive() ([]*SavedQuery, error)

	// Update an existing saved query
	Update(q *SavedQuery) error

	// Delete a saved query
	Delete(id string) error
}

// InMemoryQueryStore implements QueryStore using an in-memory map
type InMemoryQueryStore struct {
	queries map[string]*SavedQuery
	mu      sync.RWMutex
}

// NewInMemoryQueryStore creates a new in-memory query store
func NewInMemoryQueryStore() *InMemoryQueryStore {
	return &InMemoryQueryStore{
		queries: make(map[string]*SavedQuery),
	}
}

// Add stores a new query and stamps CreatedAt/UpdatedAt
func (s *InMemoryQueryStore) Add(q *SavedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queries[q.ID]; exists {
		return fmt.Errorf("%w: %s", ErrQueryExists, q.ID)
	}

	now := time.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	s.queries[q.ID] = q
	return nil
}

// Get retrieves a saved query by ID
func (s *InMemoryQueryStore) Get(id string) (*SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, exists := s.queries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
	return q, nil
}

// ListActive returns all active queries ordered by creation time
func (s *InMemoryQueryStore) ListActive() ([]*SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*SavedQuery
	for _, q := range s.queries {
		if q.Active {
			active = append(active, q)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Update replaces an existing query, preserving CreatedAt
func (s *InMemoryQueryStore) Update(q *SavedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.queries[q.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, q.ID)
	}

	q.CreatedAt = existing.CreatedAt
	q.UpdatedAt = time.Now()
	s.queries[q.ID] = q
	return nil
}

// Delete removes a query from the store
func (s *InMemoryQueryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queries[id]; !exists {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}

	delete(s.queries, id)
	return nil
}
