package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sage-x-project/sage-paywall/types"
)

// MemoryStore keeps invoices in a map; records are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*types.Invoice
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*types.Invoice)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, inv *types.Invoice) (*types.Invoice, bool, error) {
	if err := validateNew(inv); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.invoices[inv.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := inv.Clone()
	stored.Version = 1
	s.invoices[inv.ID] = stored
	return stored.Clone(), true, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, next *types.Invoice) (*types.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.invoices[next.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, conflict(next.ID, expectedVersion, cur.Version)
	}
	if err := checkTransition(cur, next); err != nil {
		return nil, err
	}
	stored := next.Clone()
	stored.Version = expectedVersion + 1
	s.invoices[next.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*types.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedCopy(s.invoices), nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func sortedCopy(m map[string]*types.Invoice) []*types.Invoice {
	out := make([]*types.Invoice, 0, len(m))
	for _, inv := range m {
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
