package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store. Bundles are cloned on the way in and on
// the way out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[int64]model.Bundle
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[int64]model.Bundle)}
}

// Create persists a new bundle.
func (s *MemoryStore) Create(_ context.Context, b model.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := b.Application.ID
	if _, exists := s.bundles[id]; exists {
		return model.NewConflictError(fmt.Sprintf("application %d already exists", id))
	}
	s.bundles[id] = b.Clone()
	return nil
}

// Get retrieves a bundle by id.
func (s *MemoryStore) Get(_ context.Context, id int64) (model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.bundles[id]
	if !exists {
		return model.Bundle{}, model.NewApplicationNotFoundError(id)
	}
	return b.Clone(), nil
}

// Save replaces a stored bundle.
func (s *MemoryStore) Save(_ context.Context, b model.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := b.Application.ID
	if _, exists := s.bundles[id]; !exists {
		return model.NewApplicationNotFoundError(id)
	}
	s.bundles[id] = b.Clone()
	return nil
}

// List returns all bundles, newest first.
func (s *MemoryStore) List(_ context.Context) ([]model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		result = append(result, b.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Application.ID > result[j].Application.ID
	})
	return result, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored bundles. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}
