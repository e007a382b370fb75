package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/util/testutil"
)

func TestOptimisticUpdate(t *testing.T) {
	t.Run("optimistic value visible during the mutation", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)
		s.Set("k", "before")

		var seenDuring any
		_, err := PerformUpdate(context.Background(), s, "k", "optimistic",
			func(ctx context.Context, optimistic string) (string, bool, error) {
				e, ok := s.Get("k")
				require.True(t, ok)
				seenDuring = e.Value
				return "", false, nil
			})
		require.NoError(t, err)
		require.EqualValues(t, "optimistic", seenDuring)
	})
	t.Run("kept optimistic on success", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)
		s.Set("k", "before")

		v, err := PerformUpdate(context.Background(), s, "k", "optimistic",
			func(ctx context.Context, optimistic string) (string, bool, error) {
				return "", false, nil
			})
		require.NoError(t, err)
		require.EqualValues(t, "optimistic", v)

		e, ok := s.Get("k")
		require.True(t, ok)
		require.EqualValues(t, "optimistic", e.Value)
	})
	t.Run("authoritative value replaces optimistic", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)
		s.Set("k", "before")

		v, err := PerformUpdate(context.Background(), s, "k", "optimistic",
			func(ctx context.Context, optimistic string) (string, bool, error) {
				return "authoritative", true, nil
			})
		require.NoError(t, err)
		require.EqualValues(t, "authoritative", v)

		e, ok := s.Get("k")
		require.True(t, ok)
		require.EqualValues(t, "authoritative", e.Value)
	})
	t.Run("rollback restores the exact snapshot", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)
		s.Set("k", map[string]int{"count": 7})
		before, ok := s.Get("k")
		require.True(t, ok)

		_, err := PerformUpdate(context.Background(), s, "k", map[string]int{"count": 8},
			func(ctx context.Context, optimistic map[string]int) (map[string]int, bool, error) {
				return nil, false, api.NewError(api.ErrKindTransactionFailed, "declined")
			})
		require.True(t, api.IsKind(err, api.ErrKindTransactionFailed))

		after, ok := s.Get("k")
		require.True(t, ok)
		require.EqualValues(t, before, after)
	})
	t.Run("rollback of a previously absent key removes it", func(t *testing.T) {
		env := testutil.NewClientEnv()
		s := NewStore(env, 10*time.Second, time.Minute, nil)

		_, err := PerformUpdate(context.Background(), s, "k", "optimistic",
			func(ctx context.Context, optimistic string) (string, bool, error) {
				return "", false, api.NewError(api.ErrKindNetwork, "connection refused")
			})
		require.Error(t, err)

		_, ok := s.Get("k")
		require.False(t, ok)
	})
}
