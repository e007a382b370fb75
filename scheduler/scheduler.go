package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/util"
)

// Scheduler executes named side-effecting operations with bounded
// parallelism, priority ordering and bounded retries, guaranteeing at most
// one in-flight execution per operation id

type (
	Environment interface {
		global.Logging
		Ctx() context.Context
		Clock() clock.Clock
		MetricsRegistry() *prometheus.Registry
		MarkWorkProcessStarted(name string)
		MarkWorkProcessStopped(name string)
	}

	Params struct {
		MaxConcurrent int
		MaxRetries    int
		// StaleTimeout evicts the local bookkeeping of an operation stuck
		// in the active set. It does not cancel the remote call
		StaleTimeout time.Duration
		RetryBackoff time.Duration
	}

	activeEntry struct {
		op        *QueuedOperation
		startedAt time.Time
		evicted   bool
	}

	Scheduler struct {
		Environment
		Params

		mutex     sync.Mutex
		queue     deque.Deque[*QueuedOperation]
		queuedIDs map[string]*QueuedOperation
		active    map[string]*activeEntry
		executors map[Kind]Executor

		pokeCh chan struct{}

		metQueueLen  prometheus.Gauge
		metActive    prometheus.Gauge
		metRetries   prometheus.Counter
		metCompleted prometheus.Counter
		metFailed    prometheus.Counter
		metSwept     prometheus.Counter
	}
)

const (
	Name = "scheduler"

	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 3
	DefaultStaleTimeout  = 30 * time.Second
	DefaultRetryBackoff  = 500 * time.Millisecond

	dispatchCheckEvery = 200 * time.Millisecond
)

func DefaultParams() Params {
	return Params{
		MaxConcurrent: DefaultMaxConcurrent,
		MaxRetries:    DefaultMaxRetries,
		StaleTimeout:  DefaultStaleTimeout,
		RetryBackoff:  DefaultRetryBackoff,
	}
}

func New(env Environment, par Params) *Scheduler {
	util.Assertf(par.MaxConcurrent > 0, "scheduler: maxConcurrent must be positive")
	util.Assertf(par.MaxRetries >= 0, "scheduler: maxRetries must not be negative")
	ret := &Scheduler{
		Environment: env,
		Params:      par,
		queuedIDs:   make(map[string]*QueuedOperation),
		active:      make(map[string]*activeEntry),
		executors:   make(map[Kind]Executor),
		pokeCh:      make(chan struct{}, 1),
		metQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tixclient_scheduler_queue_len",
		}),
		metActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tixclient_scheduler_active_ops",
		}),
		metRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_scheduler_retries_total",
		}),
		metCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_scheduler_completed_total",
		}),
		metFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_scheduler_failed_total",
		}),
		metSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_scheduler_swept_total",
		}),
	}
	env.MetricsRegistry().MustRegister(ret.metQueueLen, ret.metActive,
		ret.metRetries, ret.metCompleted, ret.metFailed, ret.metSwept)
	return ret
}

// RegisterExecutor binds the executor callback for one operation kind.
// Must be called before Start
func (s *Scheduler) RegisterExecutor(kind Kind, exec Executor) *Scheduler {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.executors[kind] = exec
	return s
}

func (s *Scheduler) Start() {
	s.MarkWorkProcessStarted(Name)
	s.Log().Infof("[%s] STARTED. maxConcurrent: %d, maxRetries: %d, staleTimeout: %v",
		Name, s.MaxConcurrent, s.MaxRetries, s.StaleTimeout)
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := s.Clock().Ticker(dispatchCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.Ctx().Done():
			s.shutdown()
			return

		case <-s.pokeCh:
			s.dispatch()

		case <-ticker.C:
			// the ticker both promotes backed-off retries and drives the sweep
			s.sweepStaleActive()
			s.dispatch()
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mutex.Lock()
	for s.queue.Len() > 0 {
		op := s.queue.PopFront()
		op.result.resolve(nil, s.Ctx().Err())
	}
	s.queuedIDs = make(map[string]*QueuedOperation)
	s.mutex.Unlock()

	s.MarkWorkProcessStopped(Name)
	s.Log().Infof("[%s] STOPPED", Name)
}

func (s *Scheduler) poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

// Enqueue inserts the operation sorted by (priority desc, enqueuedAt asc).
// A second enqueue for an id already queued or active is rejected with
// ErrKindOperationInProgress, never merged
func (s *Scheduler) Enqueue(kind Kind, id string, payload any, priority int) (*Result, error) {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.executors[kind]; !ok {
		return nil, api.NewError(api.ErrKindValidation, "scheduler: no executor registered for kind '%s'", kind.String())
	}
	if _, ok := s.queuedIDs[id]; ok {
		return nil, api.NewError(api.ErrKindOperationInProgress, "operation '%s' already queued", id)
	}
	if _, ok := s.active[id]; ok {
		return nil, api.NewError(api.ErrKindOperationInProgress, "operation '%s' already active", id)
	}
	op := &QueuedOperation{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		EnqueuedAt:  nowis,
		availableAt: nowis,
		result:      newResult(),
	}
	s.insertSorted(op)
	s.queuedIDs[id] = op
	s.metQueueLen.Set(float64(s.queue.Len()))
	s.Tracef("scheduler", "enqueued %s '%s' prio %d", kind.String(), id, priority)

	s.poke()
	return op.result, nil
}

// Cancel removes a queued (not yet active) operation and resolves its result
// with the given reason. Returns false if the id is not queued
func (s *Scheduler) Cancel(id string, reason error) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, ok := s.queuedIDs[id]
	if !ok {
		return false
	}
	for i := 0; i < s.queue.Len(); i++ {
		if s.queue.At(i) == op {
			s.queue.Remove(i)
			break
		}
	}
	delete(s.queuedIDs, id)
	s.metQueueLen.Set(float64(s.queue.Len()))
	op.result.resolve(nil, reason)
	return true
}

func (s *Scheduler) QueueLen() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.queue.Len()
}

func (s *Scheduler) NumActive() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.active)
}

// insertSorted keeps the queue ordered by (priority desc, enqueuedAt asc).
// Must be called under mutex
func (s *Scheduler) insertSorted(op *QueuedOperation) {
	pos := s.queue.Len()
	for i := 0; i < s.queue.Len(); i++ {
		el := s.queue.At(i)
		if el.Priority < op.Priority ||
			(el.Priority == op.Priority && el.EnqueuedAt.After(op.EnqueuedAt)) {
			pos = i
			break
		}
	}
	s.queue.Insert(pos, op)
}

// dispatch moves eligible operations from the queue to the active set up to
// the concurrency cap and fires their executors
func (s *Scheduler) dispatch() {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for len(s.active) < s.MaxConcurrent {
		op := s.popEligible(nowis)
		if op == nil {
			break
		}
		delete(s.queuedIDs, op.ID)
		entry := &activeEntry{op: op, startedAt: nowis}
		s.active[op.ID] = entry
		s.metQueueLen.Set(float64(s.queue.Len()))
		s.metActive.Set(float64(len(s.active)))

		exec := s.executors[op.Kind]
		go s.execute(entry, exec)
	}
}

// popEligible pops the highest-priority operation whose backoff has elapsed.
// Must be called under mutex
func (s *Scheduler) popEligible(nowis time.Time) *QueuedOperation {
	for i := 0; i < s.queue.Len(); i++ {
		if !s.queue.At(i).availableAt.After(nowis) {
			op := s.queue.At(i)
			s.queue.Remove(i)
			return op
		}
	}
	return nil
}

func (s *Scheduler) execute(entry *activeEntry, exec Executor) {
	op := entry.op
	s.Tracef("scheduler", "executing %s '%s' (retry %d)", op.Kind.String(), op.ID, op.RetryCount)

	value, err := exec(s.Ctx(), op)

	s.mutex.Lock()
	if entry.evicted {
		// local tracking timed out while the call was in flight. The late
		// result is no longer relevant and is discarded
		s.mutex.Unlock()
		s.Tracef("scheduler", "discarded late result of %s '%s'", op.Kind.String(), op.ID)
		return
	}
	delete(s.active, op.ID)
	s.metActive.Set(float64(len(s.active)))

	if err == nil {
		s.mutex.Unlock()
		s.metCompleted.Inc()
		op.result.resolve(value, nil)
		s.poke()
		return
	}
	if op.RetryCount < s.MaxRetries {
		// re-enqueue de-prioritized and backed off, so repeatedly failing
		// work does not starve fresh work
		op.RetryCount++
		op.Priority--
		op.availableAt = s.Clock().Now().Add(s.RetryBackoff * time.Duration(op.RetryCount))
		s.insertSorted(op)
		s.queuedIDs[op.ID] = op
		s.metQueueLen.Set(float64(s.queue.Len()))
		s.mutex.Unlock()

		s.metRetries.Inc()
		s.Tracef("scheduler", "retry %d/%d of %s '%s': %v", op.RetryCount, s.MaxRetries, op.Kind.String(), op.ID, err)
		s.poke()
		return
	}
	s.mutex.Unlock()
	s.metFailed.Inc()
	s.Log().Warnf("[%s] %s '%s' failed terminally after %d retries: %v",
		Name, op.Kind.String(), op.ID, op.RetryCount, err)
	op.result.resolve(nil, err)
	s.poke()
}

// sweepStaleActive evicts operations stuck in the active set longer than
// StaleTimeout. Local bookkeeping only: the remote call is not aborted
func (s *Scheduler) sweepStaleActive() {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	swept := make([]*activeEntry, 0)
	for id, entry := range s.active {
		if nowis.Sub(entry.startedAt) >= s.StaleTimeout {
			entry.evicted = true
			delete(s.active, id)
			swept = append(swept, entry)
		}
	}
	if len(swept) > 0 {
		s.metActive.Set(float64(len(s.active)))
	}
	s.mutex.Unlock()

	for _, entry := range swept {
		s.metSwept.Inc()
		s.Log().Warnf("[%s] evicted stale %s '%s' after %v",
			Name, entry.op.Kind.String(), entry.op.ID, s.StaleTimeout)
		entry.op.result.resolve(nil, api.NewError(api.ErrKindNetwork,
			"operation '%s' timed out after %v", entry.op.ID, s.StaleTimeout))
	}
}
