// Package memstore provides in-memory store implementations for tests and
// local development. All stores are safe for concurrent use.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
)

// CatalogStore is an in-memory catalog.Store.
type CatalogStore struct {
	mu        sync.RWMutex
	medicines map[string]*catalog.Medicine
}

// NewCatalogStore creates a catalog store seeded with the given medicines.
func NewCatalogStore(medicines ...*catalog.Medicine) *CatalogStore {
	s := &CatalogStore{medicines: make(map[string]*catalog.Medicine)}
	for _, m := range medicines {
		s.medicines[m.ID] = m
	}
	return s
}

// Put inserts or replaces a medicine.
func (s *CatalogStore) Put(m *catalog.Medicine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medicines[m.ID] = m
}

func (s *CatalogStore) Get(ctx context.Context, id string) (*catalog.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medicines[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *CatalogStore) FindByName(ctx context.Context, name string) (*catalog.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := strings.ToLower(strings.TrimSpace(name))
	for _, m := range s.medicines {
		if strings.ToLower(m.Name) == want {
			cp := *m
			return &cp, nil
		}
	}
	// Substring fallback, first token match wins.
	for _, m := range s.medicines {
		lower := strings.ToLower(m.Name)
		if strings.Contains(lower, want) || strings.Contains(want, strings.Fields(lower)[0]) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (s *CatalogStore) Search(ctx context.Context, query string) ([]*catalog.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []*catalog.Medicine
	for _, m := range s.medicines {
		if q == "" || strings.Contains(strings.ToLower(m.Name), q) || strings.Contains(strings.ToLower(m.Category), q) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DecrementIfAvailable atomically decrements stock when enough is on hand.
func (s *CatalogStore) DecrementIfAvailable(ctx context.Context, id string, qty int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.medicines[id]
	if !ok {
		return false, catalog.ErrNotFound
	}
	if qty <= 0 || m.StockLevel < qty {
		return false, nil
	}
	m.StockLevel -= qty
	return true, nil
}

func (s *CatalogStore) Stats(ctx context.Context) (*catalog.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &catalog.Stats{}
	for _, m := range s.medicines {
		stats.TotalSKUs++
		switch {
		case m.StockLevel == 0:
			stats.OutOfStock++
		case m.StockLevel <= catalog.LowStockThreshold:
			stats.LowStock++
		}
		if m.PrescriptionRequired || m.ControlledSubstance {
			stats.PrescriptionRequired++
		}
		if m.Discontinued {
			stats.Discontinued++
		}
	}
	return stats, nil
}
