package broker

import (
	"context"
	"sync"

	"github.com/atmx/protect-engine/internal/model"
)

// MetaCache memoizes InstrumentMetadata lookups. Lot size and price step
// are static per instrument, so one fetch per process is enough.
type MetaCache struct {
	broker Broker

	mu   sync.RWMutex
	meta map[string]model.InstrumentMeta
}

// NewMetaCache wraps broker with an instrument-metadata cache.
func NewMetaCache(b Broker) *MetaCache {
	return &MetaCache{
		broker: b,
		meta:   make(map[string]model.InstrumentMeta),
	}
}

// Get returns cached metadata, fetching once on miss.
func (c *MetaCache) Get(ctx context.Context, instrumentID string) (model.InstrumentMeta, error) {
	c.mu.RLock()
	meta, ok := c.meta[instrumentID]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := c.broker.InstrumentMetadata(ctx, instrumentID)
	if err != nil {
		return model.InstrumentMeta{}, err
	}

	c.mu.Lock()
	c.meta[instrumentID] = meta
	c.mu.Unlock()
	return meta, nil
}
