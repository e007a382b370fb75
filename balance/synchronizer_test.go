package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/util/countdown"
	"github.com/tixforge/tixclient/util/testutil"
)

func TestSynchronizerRefresh(t *testing.T) {
	t.Run("initial refresh fetches", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			return &api.Balance{Available: 100, Pending: 5}, nil
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)
		require.True(t, s.IsStale())

		snapshot, err := s.Refresh(context.Background(), false)
		require.NoError(t, err)
		require.EqualValues(t, 100, snapshot.Available)
		require.EqualValues(t, 5, snapshot.Pending)
		require.False(t, s.IsStale())
	})
	t.Run("fresh snapshot is not refetched", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			return &api.Balance{Available: 100}, nil
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		_, err := s.Refresh(context.Background(), false)
		require.NoError(t, err)
		_, err = s.Refresh(context.Background(), false)
		require.NoError(t, err)
		require.EqualValues(t, 1, env.Transp.NumCalls("get_balance"))

		// past the staleness threshold the next refresh goes remote again
		env.ClockMock.Add(31 * time.Second)
		require.True(t, s.IsStale())
		_, err = s.Refresh(context.Background(), false)
		require.NoError(t, err)
		require.EqualValues(t, 2, env.Transp.NumCalls("get_balance"))
	})
	t.Run("force bypasses freshness", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			return &api.Balance{Available: 100}, nil
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		_, err := s.Refresh(context.Background(), false)
		require.NoError(t, err)
		_, err = s.Refresh(context.Background(), true)
		require.NoError(t, err)
		require.EqualValues(t, 2, env.Transp.NumCalls("get_balance"))
	})
	t.Run("concurrent refreshes share one fetch", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			time.Sleep(50 * time.Millisecond)
			return &api.Balance{Available: 100}, nil
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		const numCallers = 10
		var wg sync.WaitGroup
		wg.Add(numCallers)
		for i := 0; i < numCallers; i++ {
			go func() {
				defer wg.Done()
				snapshot, err := s.Refresh(context.Background(), true)
				require.NoError(t, err)
				require.EqualValues(t, 100, snapshot.Available)
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, env.Transp.NumCalls("get_balance"))
	})
	t.Run("failed fetch keeps the previous snapshot", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			if env.Transp.NumCalls("get_balance") == 1 {
				return &api.Balance{Available: 100}, nil
			}
			return nil, api.NewError(api.ErrKindNetwork, "connection refused")
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		_, err := s.Refresh(context.Background(), false)
		require.NoError(t, err)
		_, err = s.Refresh(context.Background(), true)
		require.True(t, api.IsKind(err, api.ErrKindNetwork))
		require.EqualValues(t, 100, s.Snapshot().Available)
	})
	t.Run("session expiry propagates", func(t *testing.T) {
		env := testutil.NewClientEnv()
		env.SessionStore.SetCredentials("token", "user1")
		env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
			return nil, api.NewError(api.ErrKindSessionExpired, "unauthorized")
		}
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		_, err := s.Refresh(context.Background(), false)
		require.True(t, api.IsKind(err, api.ErrKindSessionExpired))
		require.True(t, env.SessionExpired.Load())
	})
}

func TestSynchronizerSessionMirror(t *testing.T) {
	env := testutil.NewClientEnv()
	env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
		return &api.Balance{Available: 100, Pending: 5}, nil
	}
	s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

	_, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)

	// the synchronizer snapshot and the session user snapshot never disagree
	user := env.SessionStore.User()
	require.EqualValues(t, api.Balance{Available: 100, Pending: 5}, user.Balance)
	require.EqualValues(t, s.Snapshot().LastUpdated, user.BalanceUpdated)
}

func TestSynchronizerApply(t *testing.T) {
	t.Run("authoritative overwrite", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		s.ApplyAuthoritative(api.Balance{Available: 60, Pending: 0})
		require.EqualValues(t, 60, s.Snapshot().Available)
		require.EqualValues(t, 60, env.SessionStore.User().Balance.Available)
	})
	t.Run("optimistic debit", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		s.ApplyAuthoritative(api.Balance{Available: 100})
		s.ApplyDebit(40)
		require.EqualValues(t, 60, s.Snapshot().Available)
		require.EqualValues(t, 60, env.SessionStore.User().Balance.Available)
	})
	t.Run("debit never underflows", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewSynchronizer(env, DefaultStaleAfter, DefaultRefreshEvery)

		s.ApplyAuthoritative(api.Balance{Available: 30})
		s.ApplyDebit(40)
		require.EqualValues(t, 0, s.Snapshot().Available)
	})
}

func TestSynchronizerPeriodic(t *testing.T) {
	env := testutil.NewClientEnvRealClock()
	cd := countdown.NewNamed("refreshes", 3, 5*time.Second)
	env.Transp.GetBalanceFn = func(ctx context.Context) (*api.Balance, error) {
		if env.Transp.NumCalls("get_balance") <= 3 {
			cd.Tick()
		}
		return &api.Balance{Available: 100}, nil
	}
	s := NewSynchronizer(env, 10*time.Millisecond, 20*time.Millisecond)
	s.Start()

	require.NoError(t, cd.Wait())
	env.Stop()
	env.WaitAllWorkProcessesStop()
}
