package cache

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tixforge/tixclient/storage"
	"github.com/tixforge/tixclient/util/testutil"
)

func TestStoreBasic(t *testing.T) {
	t.Run("get after set", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		s.Set("balance", 42)
		e, ok := s.Get("balance")
		require.True(t, ok)
		require.EqualValues(t, 42, e.Value)
		require.EqualValues(t, env.ClockMock.Now(), e.FetchedAt)
		require.True(t, !e.FetchedAt.After(e.StaleAt) && !e.StaleAt.After(e.ExpiresAt))
	})
	t.Run("absent key", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		_, ok := s.Get("nothing")
		require.False(t, ok)
	})
	t.Run("staleness window", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		s.Set("k", "v")
		e, ok := s.Get("k")
		require.True(t, ok)
		require.False(t, e.IsStale(env.ClockMock.Now()))

		env.ClockMock.Add(10 * time.Second)
		e, ok = s.Get("k")
		require.True(t, ok)
		require.True(t, e.IsStale(env.ClockMock.Now()))
		require.False(t, e.IsExpired(env.ClockMock.Now()))
	})
	t.Run("expired entry is absent", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		s.Set("k", "v")
		env.ClockMock.Add(time.Minute)
		_, ok := s.Get("k")
		require.False(t, ok)
		require.EqualValues(t, 0, s.Len())
	})
	t.Run("invalidate", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		s.Set("k", "v")
		s.Invalidate("k")
		_, ok := s.Get("k")
		require.False(t, ok)
	})
}

func TestStorePersistence(t *testing.T) {
	t.Run("roundtrip through storage", func(t *testing.T) {
		env := testutil.NewClientEnv()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, 10*time.Second, time.Minute, kv)
		s1.Set("tickets", []string{"t1", "t2"})

		// a fresh store over the same storage sees the persisted entry
		s2 := NewStore(env, 10*time.Second, time.Minute, kv)
		e, ok := s2.Get("tickets")
		require.True(t, ok)

		ids, err := DecodeValue[[]string](e.Value)
		require.NoError(t, err)
		require.EqualValues(t, []string{"t1", "t2"}, ids)
	})
	t.Run("expired on load is absent", func(t *testing.T) {
		env := testutil.NewClientEnv()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, 10*time.Second, time.Minute, kv)
		s1.Set("k", "v")
		env.ClockMock.Add(2 * time.Minute)

		s2 := NewStore(env, 10*time.Second, time.Minute, kv)
		_, ok := s2.Get("k")
		require.False(t, ok)
		require.EqualValues(t, 0, kv.Len())
	})
	t.Run("corrupt entry is discarded", func(t *testing.T) {
		env := testutil.NewClientEnv()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, 10*time.Second, time.Minute, kv)
		s1.Set("k", map[string]int{"a": 1})

		bin, ok := kv.Get("cache.k")
		require.True(t, ok)
		kv.Set("cache.k", strings.Replace(bin, `"a":1`, `"a":2`, 1))

		s2 := NewStore(env, 10*time.Second, time.Minute, kv)
		_, ok = s2.Get("k")
		require.False(t, ok)
	})
	t.Run("version mismatch is discarded", func(t *testing.T) {
		env := testutil.NewClientEnv()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, 10*time.Second, time.Minute, kv)
		s1.Set("k", "v")

		bin, ok := kv.Get("cache.k")
		require.True(t, ok)
		var pe persistedEntry
		require.NoError(t, json.Unmarshal([]byte(bin), &pe))
		pe.Version = persistedFormatVersion + 1
		tampered, err := json.Marshal(pe)
		require.NoError(t, err)
		kv.Set("cache.k", string(tampered))

		s2 := NewStore(env, 10*time.Second, time.Minute, kv)
		_, ok = s2.Get("k")
		require.False(t, ok)
	})
}
