package global

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type (
	Logging interface {
		Log() *zap.SugaredLogger
		Tracef(tag string, format string, args ...any)
		Assertf(cond bool, format string, args ...any)
		AssertNoError(err error, prefix ...string)
	}

	// ClientGlobal is the environment shared by all engine components:
	// logging, shutdown context, component accounting, clock and metrics
	ClientGlobal interface {
		Logging
		Ctx() context.Context
		Stop()
		Clock() clock.Clock
		MarkWorkProcessStarted(name string)
		MarkWorkProcessStopped(name string)
		RepeatInBackground(name string, period time.Duration, fun func() bool, skipFirst ...bool)
		MetricsRegistry() *prometheus.Registry
	}
)
