package balance

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tixforge/tixclient/api"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/session"
)

// Synchronizer maintains the monetary balance snapshot: periodic refresh,
// forced refresh after transactions, staleness threshold, and single-flight
// suppression of duplicate fetches. Every successful update writes the
// dedicated snapshot and the session user snapshot in the same critical
// section, so observers never see the two disagree

type (
	Environment interface {
		global.Logging
		Ctx() context.Context
		Clock() clock.Clock
		MetricsRegistry() *prometheus.Registry
		RepeatInBackground(name string, period time.Duration, fun func() bool, skipFirst ...bool)
		Transport() api.Transport
		Session() *session.Store
		// OnSessionExpired clears credentials and all cached state
		OnSessionExpired()
	}

	Snapshot struct {
		Available   uint64
		Pending     uint64
		LastUpdated time.Time
	}

	call struct {
		done chan struct{}
		err  error
	}

	Synchronizer struct {
		Environment
		mutex        sync.RWMutex
		snapshot     Snapshot
		inflight     *call
		staleAfter   time.Duration
		refreshEvery time.Duration

		metRefreshes prometheus.Counter
		metErrors    prometheus.Counter
	}
)

const (
	Name = "balance_sync"

	DefaultStaleAfter   = 30 * time.Second
	DefaultRefreshEvery = 30 * time.Second
)

func NewSynchronizer(env Environment, staleAfter, refreshEvery time.Duration) *Synchronizer {
	ret := &Synchronizer{
		Environment:  env,
		staleAfter:   staleAfter,
		refreshEvery: refreshEvery,
		metRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_balance_refreshes_total",
		}),
		metErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_balance_refresh_errors_total",
		}),
	}
	env.MetricsRegistry().MustRegister(ret.metRefreshes, ret.metErrors)
	return ret
}

// Start begins the periodic background refresh
func (s *Synchronizer) Start() {
	s.RepeatInBackground(Name, s.refreshEvery, func() bool {
		if _, err := s.Refresh(s.Ctx(), false); err != nil {
			s.Tracef("balance", "periodic refresh failed: %v", err)
		}
		return true
	}, true)
	s.Log().Infof("[%s] STARTED. refresh every %v, stale after %v", Name, s.refreshEvery, s.staleAfter)
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.snapshot
}

func (s *Synchronizer) IsStale() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.isStale()
}

func (s *Synchronizer) isStale() bool {
	return s.snapshot.LastUpdated.IsZero() ||
		s.Clock().Now().Sub(s.snapshot.LastUpdated) >= s.staleAfter
}

// Refresh fetches the balance unless the snapshot is fresh and force is not
// set. A fetch already in flight is joined, never duplicated
func (s *Synchronizer) Refresh(ctx context.Context, force bool) (Snapshot, error) {
	s.mutex.Lock()
	if !force && !s.isStale() {
		ret := s.snapshot
		s.mutex.Unlock()
		return ret, nil
	}
	c := s.inflight
	if c == nil {
		c = &call{done: make(chan struct{})}
		s.inflight = c
		go s.run(c)
	}
	s.mutex.Unlock()

	select {
	case <-c.done:
		if c.err != nil {
			return Snapshot{}, c.err
		}
		return s.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// RefreshInBackground is the after-transaction poke: forces a refresh
// without making the caller wait for it
func (s *Synchronizer) RefreshInBackground() {
	go func() {
		if _, err := s.Refresh(s.Ctx(), true); err != nil {
			s.Tracef("balance", "background refresh failed: %v", err)
		}
	}()
}

func (s *Synchronizer) run(c *call) {
	b, err := s.Transport().GetBalance(s.Ctx())
	if err == nil {
		s.apply(*b)
		s.metRefreshes.Inc()
	} else {
		s.metErrors.Inc()
		if api.IsKind(err, api.ErrKindSessionExpired) {
			s.OnSessionExpired()
		}
	}
	c.err = err

	s.mutex.Lock()
	s.inflight = nil
	s.mutex.Unlock()
	close(c.done)
}

// apply writes the snapshot pair atomically
func (s *Synchronizer) apply(b api.Balance) {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshot = Snapshot{
		Available:   b.Available,
		Pending:     b.Pending,
		LastUpdated: nowis,
	}
	s.Session().SetBalance(b, nowis)
}

// ApplyAuthoritative installs the balance returned by a transaction response
func (s *Synchronizer) ApplyAuthoritative(b api.Balance) {
	s.apply(b)
}

// ApplyDebit decrements the local balance optimistically after a successful
// purchase; the next authoritative refresh reconciles it
func (s *Synchronizer) ApplyDebit(amount uint64) {
	nowis := s.Clock().Now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.snapshot.Available >= amount {
		s.snapshot.Available -= amount
	} else {
		s.snapshot.Available = 0
	}
	s.snapshot.LastUpdated = nowis
	s.Session().SetBalance(api.Balance{
		Available: s.snapshot.Available,
		Pending:   s.snapshot.Pending,
	}, nowis)
}
