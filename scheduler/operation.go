package scheduler

import (
	"context"
	"sync"
	"time"
)

type Kind byte

const (
	KindReveal Kind = iota
	KindDiscover
	KindClaim
)

func (k Kind) String() string {
	switch k {
	case KindReveal:
		return "reveal"
	case KindDiscover:
		return "discover"
	case KindClaim:
		return "claim"
	}
	return "unknown"
}

// Executor performs the remote side effect of one operation kind. The
// scheduler carries the payload opaquely
type Executor func(ctx context.Context, op *QueuedOperation) (any, error)

type QueuedOperation struct {
	ID         string
	Kind       Kind
	Payload    any
	Priority   int
	EnqueuedAt time.Time
	RetryCount int

	// earliest dispatch time, pushed forward by retry backoff
	availableAt time.Time
	result      *Result
}

// Result is the caller's future for one enqueued operation. It resolves
// exactly once, with the terminal outcome: retries are invisible
type Result struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) resolve(value any, err error) {
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
	})
}

func (r *Result) Done() <-chan struct{} {
	return r.done
}

func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
