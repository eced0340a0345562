package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/protect-engine/internal/model"
)

// CachedStore wraps a primary settings Store with a Redis read-through
// cache. The settings UI writes through its own path and the cache TTL
// bounds staleness; a forced recalculation or account switch picks up
// fresh values immediately because the API layer calls Invalidate first.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary settings store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// cachedEntry distinguishes "cached absent" from a cache miss.
type cachedEntry struct {
	Present bool  `json:"present"`
	Layer   Layer `json:"layer"`
}

func (s *CachedStore) GlobalOverride(ctx context.Context, accountID string) (Layer, bool, error) {
	return s.readThrough(ctx, globalKey(accountID), func() (Layer, bool, error) {
		return s.primary.GlobalOverride(ctx, accountID)
	})
}

func (s *CachedStore) InstrumentOverride(ctx context.Context, accountID, instrumentID string) (Layer, bool, error) {
	return s.readThrough(ctx, instrumentKey(accountID, instrumentID), func() (Layer, bool, error) {
		return s.primary.InstrumentOverride(ctx, accountID, instrumentID)
	})
}

func (s *CachedStore) StaticBaseline(ctx context.Context, class model.InstrumentClass) (Layer, bool, error) {
	return s.readThrough(ctx, baselineKey(class), func() (Layer, bool, error) {
		return s.primary.StaticBaseline(ctx, class)
	})
}

// Invalidate drops all cached layers for an account so fresh UI edits
// take effect before the TTL would have expired them.
func (s *CachedStore) Invalidate(ctx context.Context, accountID string) {
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("settings:*:%s*", accountID), 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func (s *CachedStore) readThrough(ctx context.Context, key string, fetch func() (Layer, bool, error)) (Layer, bool, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entry cachedEntry
		if json.Unmarshal(data, &entry) == nil {
			return entry.Layer, entry.Present, nil
		}
	}

	// Cache miss: read from primary.
	layer, ok, err := fetch()
	if err != nil {
		return Layer{}, false, err
	}

	if data, err := json.Marshal(cachedEntry{Present: ok, Layer: layer}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return layer, ok, nil
}

func globalKey(accountID string) string {
	return fmt.Sprintf("settings:global:%s", accountID)
}

func instrumentKey(accountID, instrumentID string) string {
	return fmt.Sprintf("settings:instrument:%s:%s", accountID, instrumentID)
}

func baselineKey(class model.InstrumentClass) string {
	return fmt.Sprintf("settings:baseline:%s", class)
}
