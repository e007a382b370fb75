package client

import (
	"time"

	"github.com/spf13/viper"
	"github.com/tixforge/tixclient/api"
	apiclient "github.com/tixforge/tixclient/api/client"
	"github.com/tixforge/tixclient/balance"
	"github.com/tixforge/tixclient/cache"
	"github.com/tixforge/tixclient/flow"
	"github.com/tixforge/tixclient/global"
	"github.com/tixforge/tixclient/metrics"
	"github.com/tixforge/tixclient/scheduler"
	"github.com/tixforge/tixclient/session"
	"github.com/tixforge/tixclient/storage"
	"github.com/tixforge/tixclient/util"
)

// Client is the assembled orchestration engine: one Client per process,
// created at start, torn down at session end. All client-wide mutable state
// lives in the owned components; the UI observes and calls the flow APIs,
// it never writes state directly

type Client struct {
	*global.Global
	kvDB         *storage.BadgerKVStore
	kv           storage.KVStore
	transport    api.Transport
	cacheStore   *cache.Store
	fetcher      *cache.Fetcher
	sched        *scheduler.Scheduler
	sessionStore *session.Store
	balanceSync  *balance.Synchronizer
	reservations *flow.ReservationFlow
	purchase     *flow.PurchaseFlow
	reveal       *flow.RevealFlow
	started      time.Time
}

// New assembles the client from viper config. With a nil transport the
// api client is built from 'client.server_url'
func New(transport api.Transport) *Client {
	ret := &Client{
		Global:  global.New(),
		started: time.Now(),
	}
	ret.readInTraceTags()

	if dbDir := viper.GetString("client.db_dir"); dbDir != "" {
		db, err := storage.OpenBadgerDB(dbDir)
		ret.AssertNoError(err, "can't open client DB")
		ret.kvDB = db
		ret.kv = db
		ret.Log().Infof("opened client DB '%s'", dbDir)
	} else {
		ret.kv = storage.NewInMemoryKVStore()
		ret.Log().Infof("no client.db_dir configured: persistence is memory-only")
	}

	ret.sessionStore = session.NewStore(ret, ret.kv)

	if transport == nil {
		serverURL := viper.GetString("client.server_url")
		util.Assertf(serverURL != "", "client.server_url not specified")
		c := apiclient.New(serverURL)
		if token := ret.sessionStore.AuthToken(); token != "" {
			c.WithAuthToken(token)
		}
		transport = c
	}
	ret.transport = transport

	staleTime := durationFromConfig("cache.stale_time", cache.DefaultStaleTime)
	maxAge := durationFromConfig("cache.max_age", cache.DefaultMaxAge)
	ret.cacheStore = cache.NewStore(ret, staleTime, maxAge, ret.kv)
	ret.fetcher = cache.NewFetcher(ret, ret.cacheStore)

	ret.sched = scheduler.New(ret, schedulerParamsFromConfig())

	ret.balanceSync = balance.NewSynchronizer(ret,
		durationFromConfig("balance.stale_after", balance.DefaultStaleAfter),
		durationFromConfig("balance.refresh_every", balance.DefaultRefreshEvery))

	ret.reservations = flow.NewReservationFlow(ret)
	ret.purchase = flow.NewPurchaseFlow(ret, ret.balanceSync, ret.reservations)
	ret.reveal = flow.NewRevealFlow(ret, ret.sched)
	return ret
}

func schedulerParamsFromConfig() scheduler.Params {
	par := scheduler.DefaultParams()
	if v := viper.GetInt("scheduler.max_concurrent"); v > 0 {
		par.MaxConcurrent = v
	}
	if viper.IsSet("scheduler.max_retries") {
		par.MaxRetries = viper.GetInt("scheduler.max_retries")
	}
	par.StaleTimeout = durationFromConfig("scheduler.stale_timeout", scheduler.DefaultStaleTimeout)
	par.RetryBackoff = durationFromConfig("scheduler.retry_backoff", scheduler.DefaultRetryBackoff)
	return par
}

func durationFromConfig(key string, def time.Duration) time.Duration {
	if v := viper.GetDuration(key); v > 0 {
		return v
	}
	return def
}

func (c *Client) readInTraceTags() {
	c.Global.EnableTraceTags(viper.GetStringSlice("trace_tags")...)
}

func (c *Client) Start() {
	c.Log().Info(global.BannerString())

	c.sched.Start()
	c.balanceSync.Start()
	if viper.GetBool("metrics.enable") {
		metrics.Start(c)
	}
	if c.kvDB != nil {
		c.RepeatInBackground("client_db_gc_loop", 5*time.Minute, func() bool {
			c.kvDB.RunGC()
			return true
		}, true)
	}
	c.Log().Infof("client started")
}

// Stop shuts down all components and closes the database
func (c *Client) Stop() {
	c.Global.Stop()
	c.WaitAllWorkProcessesStop()
	if c.kvDB != nil {
		if err := c.kvDB.Close(); err != nil {
			c.Log().Warnf("error while closing client DB: %v", err)
		}
	}
	c.Log().Infof("client stopped. Uptime: %v", time.Since(c.started).Round(time.Second))
	_ = c.Log().Sync()
}

// Environment accessors used by the components

func (c *Client) Transport() api.Transport {
	return c.transport
}

func (c *Client) Session() *session.Store {
	return c.sessionStore
}

// OnSessionExpired clears the persisted credentials and invalidates every
// cache entry: a 401 invalidates all other cached state simultaneously
func (c *Client) OnSessionExpired() {
	c.Log().Warnf("session expired")
	c.sessionStore.ClearCredentials()
	c.cacheStore.InvalidateAll()
}

// component accessors for the UI layer

func (c *Client) CacheStore() *cache.Store {
	return c.cacheStore
}

func (c *Client) Fetcher() *cache.Fetcher {
	return c.fetcher
}

func (c *Client) Scheduler() *scheduler.Scheduler {
	return c.sched
}

func (c *Client) BalanceSync() *balance.Synchronizer {
	return c.balanceSync
}

func (c *Client) Reservations() *flow.ReservationFlow {
	return c.reservations
}

func (c *Client) Purchase() *flow.PurchaseFlow {
	return c.purchase
}

func (c *Client) Reveal() *flow.RevealFlow {
	return c.reveal
}

// NotifyFocus forwards the host's focus event to the fetcher
func (c *Client) NotifyFocus() {
	c.fetcher.NotifyFocus()
}
