package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tixforge/tixclient/api"
)

type (
	// FetchOptions control revalidation triggers of a single Fetch call
	FetchOptions struct {
		// RevalidateOnMount forces a remote fetch even if a fresh value is cached
		RevalidateOnMount bool
		// RevalidateOnFocus registers the key for background refetch on NotifyFocus
		RevalidateOnFocus bool
	}

	FetchFunc func(ctx context.Context) (any, error)

	// call is one in-flight remote fetch shared by all concurrent callers of the key
	call struct {
		done  chan struct{}
		value any
		err   error
	}

	// Fetcher wraps the store with single-flight remote fetching and
	// stale-while-revalidate semantics
	Fetcher struct {
		Environment
		store    *Store
		mutex    sync.Mutex
		inflight map[string]*call
		onFocus  map[string]FetchFunc

		metHits          prometheus.Counter
		metMisses        prometheus.Counter
		metRevalidations prometheus.Counter
		metFetchErrors   prometheus.Counter
	}
)

func NewFetcher(env Environment, store *Store) *Fetcher {
	ret := &Fetcher{
		Environment: env,
		store:       store,
		inflight:    make(map[string]*call),
		onFocus:     make(map[string]FetchFunc),
		metHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_cache_hits_total",
		}),
		metMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_cache_misses_total",
		}),
		metRevalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_cache_revalidations_total",
		}),
		metFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tixclient_cache_fetch_errors_total",
		}),
	}
	env.MetricsRegistry().MustRegister(ret.metHits, ret.metMisses, ret.metRevalidations, ret.metFetchErrors)
	return ret
}

func (f *Fetcher) Store() *Store {
	return f.store
}

// Fetch returns the cached value for the key if present and not expired,
// triggering a background refetch when it is stale. On a miss all concurrent
// callers share one remote call. A failed refetch never clobbers the cache
func Fetch[T any](ctx context.Context, f *Fetcher, key string, fetchFn func(ctx context.Context) (T, error), opts ...FetchOptions) (T, error) {
	var o FetchOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	fn := func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	}
	if o.RevalidateOnFocus {
		f.registerFocus(key, fn)
	}

	if !o.RevalidateOnMount {
		if e, ok := f.store.Get(key); ok {
			ret, err := DecodeValue[T](e.Value)
			if err == nil {
				if e.IsStale(f.Clock().Now()) {
					f.revalidateInBackground(key, fn)
				}
				f.metHits.Inc()
				f.Tracef("cache", "hit '%s'", key)
				return ret, nil
			}
			// a value of an unexpected shape is as good as a miss
			f.Tracef("cache", "discarding undecodable entry '%s': %v", key, err)
			f.store.Invalidate(key)
		}
	}
	f.metMisses.Inc()
	v, err := f.singleFlight(ctx, key, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeValue[T](v)
}

func (f *Fetcher) singleFlight(ctx context.Context, key string, fn FetchFunc) (any, error) {
	f.mutex.Lock()
	c, ok := f.inflight[key]
	if !ok {
		c = &call{done: make(chan struct{})}
		f.inflight[key] = c
		go f.run(key, c, fn)
	}
	f.mutex.Unlock()

	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run performs the remote call on the engine context, so that a caller
// cancelling mid-flight does not abort the shared fetch
func (f *Fetcher) run(key string, c *call, fn FetchFunc) {
	v, err := fn(f.Ctx())
	if err == nil {
		f.store.Set(key, v)
	} else {
		f.metFetchErrors.Inc()
		f.Tracef("cache", "fetch '%s' failed: %v", key, err)
	}
	c.value, c.err = v, err

	f.mutex.Lock()
	delete(f.inflight, key)
	f.mutex.Unlock()
	close(c.done)
}

func (f *Fetcher) revalidateInBackground(key string, fn FetchFunc) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, ok := f.inflight[key]; ok {
		// single-flight: refetch already on its way
		return
	}
	c := &call{done: make(chan struct{})}
	f.inflight[key] = c
	f.metRevalidations.Inc()
	go f.run(key, c, fn)
}

func (f *Fetcher) registerFocus(key string, fn FetchFunc) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.onFocus[key] = fn
}

// NotifyFocus refetches every registered key which is stale or gone.
// Called when the hosting process regains foreground focus
func (f *Fetcher) NotifyFocus() {
	nowis := f.Clock().Now()

	f.mutex.Lock()
	registered := make(map[string]FetchFunc, len(f.onFocus))
	for key, fn := range f.onFocus {
		registered[key] = fn
	}
	f.mutex.Unlock()

	for key, fn := range registered {
		if e, ok := f.store.Get(key); ok && !e.IsStale(nowis) {
			continue
		}
		f.revalidateInBackground(key, fn)
	}
}

// DecodeValue converts a cached value to the requested type. Values loaded
// from durable storage come back as raw JSON
func DecodeValue[T any](v any) (T, error) {
	if ret, ok := v.(T); ok {
		return ret, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var ret T
		if err := json.Unmarshal(raw, &ret); err != nil {
			return ret, api.NewError(api.ErrKindInvalidResponse, "cache: cannot decode persisted value: %v", err)
		}
		return ret, nil
	}
	var zero T
	return zero, api.NewError(api.ErrKindInvalidResponse, "cache: unexpected value type %T", v)
}
