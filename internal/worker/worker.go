// Package worker runs one test on its own goroutine and supervises it. The
// worker publishes a heartbeat; the supervisor stops it and kills the
// browser when the heartbeat goes stale.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Worker runs a single function on a dedicated goroutine. Start and end of
// every unit of work are signalled with Beat.
type Worker struct {
	logger *slog.Logger

	lastBeat atomic.Int64 // unix nanos
	stopped  atomic.Bool

	mu      sync.Mutex
	onStop  []func()
	cancel  context.CancelFunc
	started bool

	stopOnce sync.Once
	done     chan struct{}
}

// New creates an idle worker. Its heartbeat starts at creation time.
func New(logger *slog.Logger) *Worker {
	w := &Worker{
		logger: logger.With("component", "worker"),
		done:   make(chan struct{}),
	}
	w.Beat()
	return w
}

// OnStop registers fn to run once when the worker is stopped, before its
// context is cancelled. The interpreter's stop flag hooks in here.
func (w *Worker) OnStop(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStop = append(w.onStop, fn)
}

// Start runs fn on a new goroutine with a context that Stop cancels. A
// panic escaping fn is logged and ends the worker.
func (w *Worker) Start(ctx context.Context, fn func(ctx context.Context)) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		panic("worker: Start called twice")
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.Beat()
	go func() {
		defer close(w.done)
		defer w.cancel()
		defer func() {
			if p := recover(); p != nil {
				w.logger.Error("worker panicked", "panic", p)
			}
		}()
		fn(ctx)
	}()
}

// Beat records activity now.
func (w *Worker) Beat() { w.lastBeat.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last heartbeat.
func (w *Worker) LastActivity() time.Time { return time.Unix(0, w.lastBeat.Load()) }

// IsAlive reports whether the worker goroutine is still running.
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Stopped reports whether Stop or RequestStop was called.
func (w *Worker) Stopped() bool { return w.stopped.Load() }

// RequestStop asks the work to finish at its next boundary without
// interrupting sleeps or in-flight calls.
func (w *Worker) RequestStop() {
	w.stopped.Store(true)
	w.runHooks()
}

// Stop sets the stop flag, runs the stop hooks and cancels the worker's
// context, which interrupts any sleep. A backend call already in progress
// is not interrupted. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.runHooks()
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) runHooks() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		hooks := append([]func(){}, w.onStop...)
		w.mu.Unlock()
		w.logger.Info("stopping worker")
		for _, fn := range hooks {
			fn()
		}
	})
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the worker exits or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
