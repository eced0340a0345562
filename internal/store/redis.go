package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/protect-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the list queries the API serves. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPosition(ctx context.Context, pos model.Position) error {
	if err := s.primary.UpsertPosition(ctx, pos); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(pos.AccountID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, accountID, instrumentID string) error {
	if err := s.primary.DeletePosition(ctx, accountID, instrumentID); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(accountID))
	return nil
}

func (s *CachedStore) UpsertWorkingOrder(ctx context.Context, order model.WorkingOrder) error {
	if err := s.primary.UpsertWorkingOrder(ctx, order); err != nil {
		return err
	}
	s.rdb.Del(ctx, ordersKey(order.AccountID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss: read from primary.
	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListWorkingOrders(ctx context.Context, accountID string) ([]model.WorkingOrder, error) {
	data, err := s.rdb.Get(ctx, ordersKey(accountID)).Bytes()
	if err == nil {
		var orders []model.WorkingOrder
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	orders, err := s.primary.ListWorkingOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, ordersKey(accountID), data, s.ttl)
	}
	return orders, nil
}

func positionsKey(accountID string) string { return fmt.Sprintf("positions:%s", accountID) }
func ordersKey(accountID string) string    { return fmt.Sprintf("orders:%s", accountID) }
