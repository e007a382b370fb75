package storage

import "sync"

// KVStore is the durable key-value contract used for cache and session
// persistence. Last-write-wins per key, no transactional guarantees
type KVStore interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Remove(key string)
}

// InMemoryKVStore is used in tests and as a fallback when no database
// directory is configured
type InMemoryKVStore struct {
	mutex sync.RWMutex
	m     map[string]string
}

func NewInMemoryKVStore() *InMemoryKVStore {
	return &InMemoryKVStore{
		m: make(map[string]string),
	}
}

func (s *InMemoryKVStore) Get(key string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, ok := s.m[key]
	return v, ok
}

func (s *InMemoryKVStore) Set(key string, value string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.m[key] = value
}

func (s *InMemoryKVStore) Remove(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.m, key)
}

func (s *InMemoryKVStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.m)
}
