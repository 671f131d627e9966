package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/catalog-api/internal/log"
	"github.com/keithlinneman/catalog-api/internal/xerrors"
)

// Sweeper removes entries idle longer than the given duration and reports how many it removed.
type Sweeper interface {
	RemoveIdleOlderThan(d time.Duration) int
}

// Evictor periodically sweeps idle entries out of a Sweeper on its own goroutine.
type Evictor struct {
	sweeper  Sweeper
	interval time.Duration
	maxIdle  time.Duration
	logger   log.Logger

	// OnSweep is called after every successful sweep
	OnSweep func(removed int, took time.Duration)
	// OnFailure is called when a sweep panics, the schedule keeps running
	OnFailure func()

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEvictor returns a stopped evictor that sweeps every interval, removing
// entries idle longer than maxIdle.
func NewEvictor(sw Sweeper, interval, maxIdle time.Duration, logger log.Logger) *Evictor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Evictor{
		sweeper:  sw,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is
// called. Calling Start more than once is a no-op.
func (e *Evictor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call more than
// once, or before Start.
func (e *Evictor) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the sweep loop has started and not yet exited.
func (e *Evictor) Running() bool {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (e *Evictor) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep runs one pass. A panic is logged and swallowed so the next tick still fires.
func (e *Evictor) sweep(ctx context.Context) {
	defer func() {
		if err := xerrors.Recovered(recover()); err != nil {
			e.logger.Error(ctx, xerrors.Wrap(err, "ratelimit sweep panicked"), "ratelimit sweep failed",
				"max_idle", e.maxIdle.String(),
			)
			if e.OnFailure != nil {
				e.OnFailure()
			}
		}
	}()

	start := time.Now()
	removed := e.sweeper.RemoveIdleOlderThan(e.maxIdle)
	took := time.Since(start)
	if removed > 0 {
		e.logger.Debug(ctx, "ratelimit sweep evicted idle buckets", "removed", removed, "took", took.String())
	}
	if e.OnSweep != nil {
		e.OnSweep(removed, took)
	}
}
