package store

import (
	"context"
	"sync"

	"github.com/atmx/protect-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]model.Position     // accountID/instrumentID → snapshot
	orders    map[string]model.WorkingOrder // orderID → record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.WorkingOrder),
	}
}

func posKey(accountID, instrumentID string) string {
	return accountID + "/" + instrumentID
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(pos.AccountID, pos.InstrumentID)] = pos
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, accountID, instrumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, posKey(accountID, instrumentID))
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, pos := range s.positions {
		if pos.AccountID == accountID {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertWorkingOrder(_ context.Context, order model.WorkingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	return nil
}

func (s *MemoryStore) ListWorkingOrders(_ context.Context, accountID string) ([]model.WorkingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkingOrder
	for _, order := range s.orders {
		if order.AccountID == accountID {
			out = append(out, order)
		}
	}
	return out, nil
}
