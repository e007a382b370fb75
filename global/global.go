package global

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/tixforge/tixclient/util"
	"github.com/tixforge/tixclient/util/set"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Global struct {
	*zap.SugaredLogger
	ctx             context.Context
	stopFun         context.CancelFunc
	clk             clock.Clock
	logStopOnce     *sync.Once
	stopOnce        *sync.Once
	components      sync.WaitGroup
	componentsMutex sync.Mutex
	componentNames  set.Set[string]
	metricsRegistry *prometheus.Registry
	enabledTrace    atomic.Bool
	traceTagsMutex  sync.RWMutex
	traceTags       set.Set[string]
}

var _ ClientGlobal = &Global{}

func New() *Global {
	return NewWithClock(clock.New())
}

// NewWithClock injects the clock, normally a mock for tests
func NewWithClock(clk clock.Clock) *Global {
	ctx, cancelFun := context.WithCancel(context.Background())
	lvlStr := viper.GetString("logger.level")
	lvl := zapcore.InfoLevel
	if lvlStr != "" {
		var err error
		lvl, err = zapcore.ParseLevel(lvlStr)
		util.AssertNoError(err)
	}
	return &Global{
		ctx:             ctx,
		stopFun:         cancelFun,
		clk:             clk,
		SugaredLogger:   NewLogger("", lvl, viper.GetStringSlice("logger.output"), ""),
		componentNames:  set.New[string](),
		traceTags:       set.New[string](),
		logStopOnce:     &sync.Once{},
		stopOnce:        &sync.Once{},
		metricsRegistry: prometheus.NewRegistry(),
	}
}

func (l *Global) Ctx() context.Context {
	return l.ctx
}

func (l *Global) Clock() clock.Clock {
	return l.clk
}

func (l *Global) MetricsRegistry() *prometheus.Registry {
	return l.metricsRegistry
}

func (l *Global) Stop() {
	l.stopOnce.Do(func() {
		l.Log().Info("global STOP invoked..")
		l.stopFun()
	})
}

func (l *Global) MarkWorkProcessStarted(name string) {
	l.componentsMutex.Lock()
	defer l.componentsMutex.Unlock()

	l.Assertf(!l.componentNames.Contains(name), "duplicate component name '%s'", name)
	l.componentNames.Insert(name)
	l.components.Add(1)
}

func (l *Global) MarkWorkProcessStopped(name string) {
	l.componentsMutex.Lock()
	defer l.componentsMutex.Unlock()

	l.Assertf(l.componentNames.Contains(name), "unknown component name '%s'", name)
	l.componentNames.Remove(name)
	l.components.Done()
}

func (l *Global) WaitAllWorkProcessesStop() {
	l.components.Wait()
	l.logStopOnce.Do(func() {
		l.Log().Info("all components stopped")
	})
}

// RepeatInBackground repeats closure until it returns false or global context is closed
func (l *Global) RepeatInBackground(name string, period time.Duration, fun func() bool, skipFirst ...bool) {
	l.MarkWorkProcessStarted(name)
	go func() {
		defer l.MarkWorkProcessStopped(name)

		if len(skipFirst) == 0 || !skipFirst[0] {
			if !fun() {
				return
			}
		}
		ticker := l.clk.Ticker(period)
		defer ticker.Stop()

		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				if !fun() {
					return
				}
			}
		}
	}()
}

func (l *Global) Log() *zap.SugaredLogger {
	return l.SugaredLogger
}

func (l *Global) Assertf(cond bool, format string, args ...any) {
	if !cond {
		l.SugaredLogger.Fatalf("assertion failed:: "+format, util.EvalLazyArgs(args...)...)
	}
}

func (l *Global) AssertNoError(err error, prefix ...string) {
	if err != nil {
		pref := strings.Join(prefix, " ")
		if pref != "" {
			pref = pref + ": "
		}
		l.SugaredLogger.Fatalf("%s%v", pref, err)
	}
}

func (l *Global) EnableTrace(enable bool) {
	l.enabledTrace.Store(enable)
}

func (l *Global) EnableTraceTags(tags ...string) {
	l.traceTagsMutex.Lock()
	for _, t := range tags {
		for _, t1 := range strings.Split(t, ",") {
			l.traceTags.Insert(strings.TrimSpace(t1))
		}
		l.enabledTrace.Store(true)
	}
	l.traceTagsMutex.Unlock()
	for _, tag := range tags {
		l.Tracef(tag, "trace tag enabled")
	}
}

func (l *Global) TraceLog(log *zap.SugaredLogger, tag string, format string, args ...any) {
	if !l.enabledTrace.Load() {
		return
	}

	l.traceTagsMutex.RLock()
	defer l.traceTagsMutex.RUnlock()

	for _, t := range strings.Split(tag, ",") {
		if l.traceTags.Contains(t) {
			log.Infof("TRACE(%s) %s", t, fmt.Sprintf(format, util.EvalLazyArgs(args...)...))
			return
		}
	}
}

func (l *Global) Tracef(tag string, format string, args ...any) {
	l.TraceLog(l.Log(), tag, format, args...)
}
