package cache

import (
	"context"
	"sync"
)

// MemProvider is an in-memory Provider, mainly for testing and
// single-process deployments without durability requirements.
type MemProvider struct {
	mutex *sync.RWMutex
	// generation -> identity -> bytes
	db map[string]map[string][]byte
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m *MemProvider) Open(generation string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[generation]; !ok {
		m.db[generation] = make(map[string][]byte)
	}
	return &memStore{provider: m, generation: generation}, nil
}

func (m *MemProvider) ListGenerations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	generations := make([]string, 0, len(m.db))
	for generation := range m.db {
		generations = append(generations, generation)
	}
	return generations, nil
}

func (m *MemProvider) Delete(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}

// memStore holds its generation id rather than the map itself, so a store
// handle that outlives a Delete observes the absence instead of a stale map.
type memStore struct {
	provider   *MemProvider
	generation string
}

func (s *memStore) Get(ctx context.Context, identity string) ([]byte, bool, error) {
	s.provider.mutex.RLock()
	defer s.provider.mutex.RUnlock()
	entries, ok := s.provider.db[s.generation]
	if !ok {
		return nil, false, ErrStoreAbsent
	}
	bts, ok := entries[identity]
	if !ok {
		return nil, false, nil
	}
	return bts, true, nil
}

func (s *memStore) Put(ctx context.Context, identity string, bytes []byte) error {
	s.provider.mutex.Lock()
	defer s.provider.mutex.Unlock()
	entries, ok := s.provider.db[s.generation]
	if !ok {
		return ErrStoreAbsent
	}
	entries[identity] = bytes
	return nil
}
