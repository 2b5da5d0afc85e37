// Package background provides the loop and bounded history shared by the
// health checker and the resource monitor.
package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Runner drives a periodic task in a single goroutine. Cycles never overlap.
type Runner struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner creates a stopped Runner.
func NewRunner(name string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{name: name, logger: logger}
}

// Start runs cycle immediately and then after every interval until Stop is
// called or ctx is done. interval is evaluated after each cycle. Start on a
// running Runner is a no-op and returns false.
func (r *Runner) Start(ctx context.Context, cycle func(context.Context), interval func(context.Context) time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return false
	}
	if r.cancel != nil {
		// Previous loop ended with its parent context.
		r.cancel()
		<-r.done
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go r.run(loopCtx, r.done, cycle, interval)
	return true
}

// Stop flips the running flag, interrupts the current wait and returns once
// the loop has exited. Stop on a stopped Runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return
	}
	r.running.Store(false)
	r.cancel()
	<-r.done
	r.cancel = nil
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

func (r *Runner) run(ctx context.Context, done chan struct{}, cycle func(context.Context), interval func(context.Context) time.Duration) {
	defer close(done)
	defer r.running.Store(false)

	r.logger.InfoContext(ctx, r.name+" started")
	for {
		cycle(ctx)
		if ctx.Err() != nil || !r.running.Load() {
			break
		}

		timer := time.NewTimer(interval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil || !r.running.Load() {
			break
		}
	}
	r.logger.Info(r.name + " stopped")
}
