package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultThreshold = 300 * time.Second
	DefaultPoll      = 9 * time.Second
)

// SupervisorConfig tunes the watchdog.
type SupervisorConfig struct {
	// Threshold is the longest allowed gap between heartbeats.
	Threshold time.Duration
	// Poll is how often the heartbeat is checked.
	Poll time.Duration
	// OnTimeout runs after the worker has been stopped, with the idle time
	// that triggered it. The runner records the watchdog result and kills
	// the browser process here.
	OnTimeout func(idle time.Duration)
}

// Supervisor watches a Worker's heartbeat.
type Supervisor struct {
	logger *slog.Logger
	w      *Worker
	cfg    SupervisorConfig
	fired  atomic.Bool
	done   chan struct{}
}

// NewSupervisor creates a watchdog for w. Zero config values take the
// defaults.
func NewSupervisor(w *Worker, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	return &Supervisor{
		logger: logger.With("component", "supervisor"),
		w:      w,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Run polls until the worker exits, ctx is done, or the watchdog fires.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.w.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(s.w.LastActivity())
		if idle <= s.cfg.Threshold {
			continue
		}
		s.fire(idle)
		return
	}
}

// Start runs the supervisor on its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Fired reports whether the watchdog stopped the worker.
func (s *Supervisor) Fired() bool { return s.fired.Load() }

func (s *Supervisor) fire(idle time.Duration) {
	if !s.fired.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("worker inactive, stopping", "idle", idle.Round(time.Millisecond), "threshold", s.cfg.Threshold)
	s.w.Stop()
	if s.cfg.OnTimeout != nil {
		s.cfg.OnTimeout(idle)
	}
}
