package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/util/testutil"
	"go.uber.org/atomic"
)

func startScheduler(t *testing.T, par Params, executors map[Kind]Executor) (*Scheduler, *testutil.ClientEnv) {
	env := testutil.NewClientEnvRealClock()
	s := New(env, par)
	for kind, exec := range executors {
		s.RegisterExecutor(kind, exec)
	}
	s.Start()
	t.Cleanup(func() {
		env.Stop()
		env.WaitAllWorkProcessesStop()
	})
	return s, env
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSchedulerBasic(t *testing.T) {
	t.Run("executes and resolves", func(t *testing.T) {
		s, _ := startScheduler(t, DefaultParams(), map[Kind]Executor{
			KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
				return "ok:" + op.ID, nil
			},
		})
		res, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)

		v, err := res.Wait(waitCtx(t))
		require.NoError(t, err)
		require.EqualValues(t, "ok:op1", v)
		require.EqualValues(t, 0, s.QueueLen())
		require.EqualValues(t, 0, s.NumActive())
	})
	t.Run("unknown kind rejected", func(t *testing.T) {
		s, _ := startScheduler(t, DefaultParams(), nil)
		_, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.True(t, api.IsKind(err, api.ErrKindValidation))
	})
	t.Run("payload reaches the executor", func(t *testing.T) {
		payloadCh := make(chan any, 1)
		s, _ := startScheduler(t, DefaultParams(), map[Kind]Executor{
			KindDiscover: func(ctx context.Context, op *QueuedOperation) (any, error) {
				payloadCh <- op.Payload
				return nil, nil
			},
		})
		_, err := s.Enqueue(KindDiscover, "op1", []string{"t1", "t2"}, 0)
		require.NoError(t, err)
		require.EqualValues(t, []string{"t1", "t2"}, <-payloadCh)
	})
}

func TestSchedulerExclusivity(t *testing.T) {
	t.Run("duplicate of an active id rejected", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var startedOnce sync.Once
		s, _ := startScheduler(t, DefaultParams(), map[Kind]Executor{
			KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
				startedOnce.Do(func() { close(started) })
				<-release
				return nil, nil
			},
		})
		res, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)
		<-started

		_, err = s.Enqueue(KindReveal, "op1", nil, 0)
		require.True(t, api.IsKind(err, api.ErrKindOperationInProgress))

		close(release)
		_, err = res.Wait(waitCtx(t))
		require.NoError(t, err)

		// after the terminal outcome the id is free again
		res2, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)
		_, err = res2.Wait(waitCtx(t))
		require.NoError(t, err)
	})
	t.Run("duplicate of a queued id rejected", func(t *testing.T) {
		par := DefaultParams()
		par.MaxConcurrent = 1
		started := make(chan struct{})
		release := make(chan struct{})
		s, _ := startScheduler(t, par, map[Kind]Executor{
			KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
				if op.ID == "blocker" {
					close(started)
					<-release
				}
				return nil, nil
			},
		})
		defer close(release)

		_, err := s.Enqueue(KindReveal, "blocker", nil, 0)
		require.NoError(t, err)
		<-started

		_, err = s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)
		_, err = s.Enqueue(KindReveal, "op1", nil, 0)
		require.True(t, api.IsKind(err, api.ErrKindOperationInProgress))
	})
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	par := DefaultParams()
	par.MaxConcurrent = 2

	running := atomic.NewInt32(0)
	maxRunning := atomic.NewInt32(0)
	s, _ := startScheduler(t, par, map[Kind]Executor{
		KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
			n := running.Inc()
			for {
				prev := maxRunning.Load()
				if n <= prev || maxRunning.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Dec()
			return nil, nil
		},
	})

	results := make([]*Result, 6)
	for i := range results {
		res, err := s.Enqueue(KindReveal, string(rune('a'+i)), nil, 0)
		require.NoError(t, err)
		results[i] = res
	}
	for _, res := range results {
		_, err := res.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	require.LessOrEqual(t, maxRunning.Load(), int32(2))
	require.EqualValues(t, 2, maxRunning.Load())
}

func TestSchedulerOrdering(t *testing.T) {
	par := DefaultParams()
	par.MaxConcurrent = 1

	var mutex sync.Mutex
	order := make([]string, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	s, _ := startScheduler(t, par, map[Kind]Executor{
		KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
			if op.ID == "blocker" {
				close(started)
				<-release
				return nil, nil
			}
			mutex.Lock()
			order = append(order, op.ID)
			mutex.Unlock()
			return nil, nil
		},
	})

	_, err := s.Enqueue(KindReveal, "blocker", nil, 0)
	require.NoError(t, err)
	<-started

	// all waiting behind the blocker: dispatch order is priority desc,
	// enqueue time asc
	resLow, err := s.Enqueue(KindReveal, "low", nil, 0)
	require.NoError(t, err)
	resHigh, err := s.Enqueue(KindReveal, "high", nil, 10)
	require.NoError(t, err)
	resLow2, err := s.Enqueue(KindReveal, "low2", nil, 0)
	require.NoError(t, err)

	close(release)
	for _, res := range []*Result{resLow, resHigh, resLow2} {
		_, err = res.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	mutex.Lock()
	defer mutex.Unlock()
	require.EqualValues(t, []string{"high", "low", "low2"}, order)
}

func TestSchedulerRetries(t *testing.T) {
	t.Run("transient failures retried to success", func(t *testing.T) {
		par := DefaultParams()
		par.RetryBackoff = 10 * time.Millisecond

		attempts := atomic.NewInt32(0)
		s, _ := startScheduler(t, par, map[Kind]Executor{
			KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
				if attempts.Inc() <= 2 {
					return nil, api.NewError(api.ErrKindNetwork, "connection refused")
				}
				return "done", nil
			},
		})
		res, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)

		v, err := res.Wait(waitCtx(t))
		require.NoError(t, err)
		require.EqualValues(t, "done", v)
		require.EqualValues(t, 3, attempts.Load())
	})
	t.Run("exhausted retries resolve with the error", func(t *testing.T) {
		par := DefaultParams()
		par.MaxRetries = 2
		par.RetryBackoff = 10 * time.Millisecond

		attempts := atomic.NewInt32(0)
		s, _ := startScheduler(t, par, map[Kind]Executor{
			KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
				attempts.Inc()
				return nil, api.NewError(api.ErrKindTransactionFailed, "declined")
			},
		})
		res, err := s.Enqueue(KindReveal, "op1", nil, 0)
		require.NoError(t, err)

		_, err = res.Wait(waitCtx(t))
		require.True(t, api.IsKind(err, api.ErrKindTransactionFailed))
		require.EqualValues(t, 3, attempts.Load())
		require.EqualValues(t, 0, s.QueueLen())
	})
}

func TestSchedulerCancel(t *testing.T) {
	par := DefaultParams()
	par.MaxConcurrent = 1

	started := make(chan struct{})
	release := make(chan struct{})
	s, _ := startScheduler(t, par, map[Kind]Executor{
		KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	defer close(release)

	_, err := s.Enqueue(KindReveal, "blocker", nil, 0)
	require.NoError(t, err)
	<-started

	res, err := s.Enqueue(KindReveal, "op1", nil, 0)
	require.NoError(t, err)
	require.True(t, s.Cancel("op1", api.NewError(api.ErrKindValidation, "cancelled by test")))

	_, err = res.Wait(waitCtx(t))
	require.True(t, api.IsKind(err, api.ErrKindValidation))

	// active operations cannot be cancelled
	require.False(t, s.Cancel("blocker", nil))
}

func TestSchedulerSweep(t *testing.T) {
	par := DefaultParams()
	par.StaleTimeout = 150 * time.Millisecond

	release := make(chan struct{})
	s, _ := startScheduler(t, par, map[Kind]Executor{
		KindReveal: func(ctx context.Context, op *QueuedOperation) (any, error) {
			<-release
			return "late", nil
		},
	})

	res, err := s.Enqueue(KindReveal, "op1", nil, 0)
	require.NoError(t, err)

	// the sweep resolves the result with a timeout error and frees the id
	_, err = res.Wait(waitCtx(t))
	require.True(t, api.IsKind(err, api.ErrKindNetwork))
	require.EqualValues(t, 0, s.NumActive())

	res2, err := s.Enqueue(KindReveal, "op1", nil, 0)
	require.NoError(t, err)

	// the late completion of the evicted execution is discarded and does not
	// clobber the timeout outcome
	close(release)
	v, err := res2.Wait(waitCtx(t))
	require.NoError(t, err)
	require.EqualValues(t, "late", v)

	v1, err1 := res.Wait(waitCtx(t))
	require.Nil(t, v1)
	require.Error(t, err1)
}
