package cache

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// persistence of cache entries in the durable KV storage. Values travel as
// raw JSON with a format version and a blake2b checksum; anything that does
// not validate on load is discarded as absent

const (
	persistedFormatVersion = 1
	persistPrefix          = "cache."
)

type persistedEntry struct {
	Version   int             `json:"v"`
	Value     json.RawMessage `json:"value"`
	FetchedAt int64           `json:"fetched_at"`
	StaleAt   int64           `json:"stale_at"`
	ExpiresAt int64           `json:"expires_at"`
	Checksum  string          `json:"checksum"`
}

func checksum(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:8])
}

// persist must be called under the store mutex
func (s *Store) persist(key string, e Entry) {
	if s.kv == nil {
		return
	}
	valueBin, err := json.Marshal(e.Value)
	if err != nil {
		// non-serializable values stay memory-only
		s.Tracef("cache", "persist '%s' skipped: %v", key, err)
		return
	}
	bin, err := json.Marshal(persistedEntry{
		Version:   persistedFormatVersion,
		Value:     valueBin,
		FetchedAt: e.FetchedAt.UnixMilli(),
		StaleAt:   e.StaleAt.UnixMilli(),
		ExpiresAt: e.ExpiresAt.UnixMilli(),
		Checksum:  checksum(valueBin),
	})
	s.AssertNoError(err, "cache persist")
	s.kv.Set(persistPrefix+key, string(bin))
}

// loadPersisted must be called under the store mutex. An entry whose
// ExpiresAt has passed, whose format version does not match, or whose
// checksum fails is removed and treated as absent
func (s *Store) loadPersisted(key string, nowis time.Time) (Entry, bool) {
	if s.kv == nil {
		return Entry{}, false
	}
	bin, ok := s.kv.Get(persistPrefix + key)
	if !ok {
		return Entry{}, false
	}
	var pe persistedEntry
	if err := json.Unmarshal([]byte(bin), &pe); err != nil {
		s.Tracef("cache", "discarding corrupt persisted entry '%s': %v", key, err)
		s.kv.Remove(persistPrefix + key)
		return Entry{}, false
	}
	if pe.Version != persistedFormatVersion || pe.Checksum != checksum(pe.Value) {
		s.Tracef("cache", "discarding persisted entry '%s': version/checksum mismatch", key)
		s.kv.Remove(persistPrefix + key)
		return Entry{}, false
	}
	e := Entry{
		Value:     json.RawMessage(pe.Value),
		FetchedAt: time.UnixMilli(pe.FetchedAt),
		StaleAt:   time.UnixMilli(pe.StaleAt),
		ExpiresAt: time.UnixMilli(pe.ExpiresAt),
	}
	if e.IsExpired(nowis) {
		s.kv.Remove(persistPrefix + key)
		return Entry{}, false
	}
	s.entries[key] = e
	return e, true
}

// removePersisted must be called under the store mutex
func (s *Store) removePersisted(key string) {
	if s.kv == nil {
		return
	}
	s.kv.Remove(persistPrefix + key)
}
