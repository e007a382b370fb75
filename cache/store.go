package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/storage"
	"github.com/tixforge/tixclient/util"
)

type (
	Environment interface {
		global.Logging
		Ctx() context.Context
		Clock() clock.Clock
		MetricsRegistry() *prometheus.Registry
	}

	// Entry is a cached value with its staleness window.
	// Invariant: FetchedAt <= StaleAt <= ExpiresAt
	Entry struct {
		Value     any
		FetchedAt time.Time
		StaleAt   time.Time
		ExpiresAt time.Time
	}

	// Store owns all cache entries. It is the only writer of entries;
	// observers get copies and never mutate them
	Store struct {
		Environment
		mutex     sync.RWMutex
		entries   map[string]Entry
		staleTime time.Duration
		maxAge    time.Duration
		kv        storage.KVStore // nil means no persistence
	}
)

const (
	DefaultStaleTime = 10 * time.Second
	DefaultMaxAge    = 5 * time.Minute
)

func (e *Entry) IsStale(nowis time.Time) bool {
	return !nowis.Before(e.StaleAt)
}

func (e *Entry) IsExpired(nowis time.Time) bool {
	return !nowis.Before(e.ExpiresAt)
}

func NewStore(env Environment, staleTime, maxAge time.Duration, kv storage.KVStore) *Store {
	util.Assertf(staleTime > 0 && maxAge >= staleTime, "cache store: must be 0 < staleTime <= maxAge")
	return &Store{
		Environment: env,
		entries:     make(map[string]Entry),
		staleTime:   staleTime,
		maxAge:      maxAge,
		kv:          kv,
	}
}

// Get returns the entry for the key. An expired entry is treated as absent
// and evicted. Falls back to the persisted copy on a memory miss
func (s *Store) Get(key string) (Entry, bool) {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return s.loadPersisted(key, nowis)
	}
	if e.IsExpired(nowis) {
		delete(s.entries, key)
		s.removePersisted(key)
		return Entry{}, false
	}
	return e, true
}

// Set stamps the value with the store's staleness window and persists it
func (s *Store) Set(key string, value any) {
	s.SetWithTTL(key, value, s.staleTime, s.maxAge)
}

func (s *Store) SetWithTTL(key string, value any, staleTime, maxAge time.Duration) {
	util.Assertf(staleTime > 0 && maxAge >= staleTime, "cache store: must be 0 < staleTime <= maxAge")
	nowis := s.Clock().Now()
	e := Entry{
		Value:     value,
		FetchedAt: nowis,
		StaleAt:   nowis.Add(staleTime),
		ExpiresAt: nowis.Add(maxAge),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[key] = e
	s.persist(key, e)
}

// Invalidate removes the entry from memory and from durable storage
func (s *Store) Invalidate(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.entries, key)
	s.removePersisted(key)
}

// InvalidateAll clears every entry, e.g. after session expiry
func (s *Store) InvalidateAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key := range s.entries {
		s.removePersisted(key)
	}
	s.entries = make(map[string]Entry)
}

func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entries)
}

// swapValue atomically snapshots the current entry and writes the new value
// in its place. It is the synchronous first step of an optimistic update
func (s *Store) swapValue(key string, value any) (Entry, bool) {
	nowis := s.Clock().Now()
	e := Entry{
		Value:     value,
		FetchedAt: nowis,
		StaleAt:   nowis.Add(s.staleTime),
		ExpiresAt: nowis.Add(s.maxAge),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev, existed := s.entries[key]
	if existed && prev.IsExpired(nowis) {
		prev, existed = Entry{}, false
	}
	s.entries[key] = e
	s.persist(key, e)
	return prev, existed
}

// restoreEntry puts the snapshot back as a full overwrite, not a merge
func (s *Store) restoreEntry(key string, snapshot Entry, existed bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !existed {
		delete(s.entries, key)
		s.removePersisted(key)
		return
	}
	s.entries[key] = snapshot
	s.persist(key, snapshot)
}
