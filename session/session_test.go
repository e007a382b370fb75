package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/storage"
)

func TestSessionStore(t *testing.T) {
	t.Run("credentials survive a restart", func(t *testing.T) {
		env := global.New()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, kv)
		require.False(t, s1.IsAuthenticated())
		s1.SetCredentials("token1", "user1")

		s2 := NewStore(env, kv)
		require.True(t, s2.IsAuthenticated())
		require.EqualValues(t, "token1", s2.AuthToken())
		require.EqualValues(t, "user1", s2.User().UserID)
	})
	t.Run("clear removes persisted credentials", func(t *testing.T) {
		env := global.New()
		kv := storage.NewInMemoryKVStore()

		s1 := NewStore(env, kv)
		s1.SetCredentials("token1", "user1")
		s1.ClearCredentials()
		require.False(t, s1.IsAuthenticated())

		s2 := NewStore(env, kv)
		require.False(t, s2.IsAuthenticated())
		require.EqualValues(t, "", s2.User().UserID)
	})
	t.Run("corrupt persisted credentials are discarded", func(t *testing.T) {
		env := global.New()
		kv := storage.NewInMemoryKVStore()
		kv.Set(credentialsKey, "not json")

		s := NewStore(env, kv)
		require.False(t, s.IsAuthenticated())
		require.EqualValues(t, 0, kv.Len())
	})
	t.Run("balance mirror", func(t *testing.T) {
		env := global.New()
		s := NewStore(env, storage.NewInMemoryKVStore())
		s.SetCredentials("token1", "user1")

		at := time.Now()
		s.SetBalance(api.Balance{Available: 100, Pending: 5}, at)
		user := s.User()
		require.EqualValues(t, api.Balance{Available: 100, Pending: 5}, user.Balance)
		require.EqualValues(t, at, user.BalanceUpdated)

		// new credentials reset the snapshot
		s.SetCredentials("token2", "user2")
		require.EqualValues(t, api.Balance{}, s.User().Balance)
	})
}
