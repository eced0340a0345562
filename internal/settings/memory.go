package settings

import (
	"context"
	"sync"

	"github.com/atmx/protect-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// for running without a database (overrides are then simply absent).
type MemoryStore struct {
	mu         sync.RWMutex
	global     map[string]Layer            // accountID → layer
	instrument map[string]map[string]Layer // accountID → instrumentID → layer
	baseline   map[model.InstrumentClass]Layer
}

// NewMemoryStore creates an empty in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		global:     make(map[string]Layer),
		instrument: make(map[string]map[string]Layer),
		baseline:   make(map[model.InstrumentClass]Layer),
	}
}

// SetGlobal installs the per-account override layer.
func (s *MemoryStore) SetGlobal(accountID string, layer Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[accountID] = layer
}

// SetInstrument installs the per-account-instrument override layer.
func (s *MemoryStore) SetInstrument(accountID, instrumentID string, layer Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInst, ok := s.instrument[accountID]
	if !ok {
		byInst = make(map[string]Layer)
		s.instrument[accountID] = byInst
	}
	byInst[instrumentID] = layer
}

// SetBaseline installs the static baseline layer for an instrument class.
func (s *MemoryStore) SetBaseline(class model.InstrumentClass, layer Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline[class] = layer
}

func (s *MemoryStore) GlobalOverride(_ context.Context, accountID string) (Layer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layer, ok := s.global[accountID]
	return layer, ok, nil
}

func (s *MemoryStore) InstrumentOverride(_ context.Context, accountID, instrumentID string) (Layer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byInst, ok := s.instrument[accountID]
	if !ok {
		return Layer{}, false, nil
	}
	layer, ok := byInst[instrumentID]
	return layer, ok, nil
}

func (s *MemoryStore) StaticBaseline(_ context.Context, class model.InstrumentClass) (Layer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layer, ok := s.baseline[class]
	return layer, ok, nil
}
