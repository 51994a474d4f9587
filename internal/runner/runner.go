// Package runner drives tests: for each test file it builds a fresh
// interpreter, runs it on a supervised worker, and persists and publishes
// the results record.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/bus"
	"voodoo-go/internal/event"
	"voodoo-go/internal/interp"
	"voodoo-go/internal/locator"
	"voodoo-go/internal/plugin"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
	"voodoo-go/internal/vars"
	"voodoo-go/internal/worker"
)

// Config holds per-run settings shared by every test.
type Config struct {
	ResultsDir    string
	Watchdog      time.Duration
	WatchdogPoll  time.Duration
	AttachTimeout time.Duration
	// StopGrace is how long to wait for a watchdogged worker to exit before
	// abandoning it. Defaults to 30s.
	StopGrace     time.Duration
	HaltOnFailure bool
	SaveHTMLOn    []string
	ScreenshotOn  []string
	Blocklist     event.Blocklist
	// Vars are global variables visible to every test.
	Vars    map[string]string
	Hijacks map[string]string
	// PageAsserter may be nil.
	PageAsserter *report.PageAsserter

	// Tick and LocatorOptions are passed through to the interpreter.
	Tick           time.Duration
	LocatorOptions []locator.Option
}

// Runner runs tests one at a time against a shared browser.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	base    *slog.Logger
	drv     backend.Driver
	plugins *plugin.Registry
	store   store.Store
	bus     *bus.Bus

	restart atomic.Bool
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists runs and results.
func WithStore(s store.Store) Option { return func(r *Runner) { r.store = s } }

// WithBus publishes lifecycle events.
func WithBus(b *bus.Bus) Option { return func(r *Runner) { r.bus = b } }

// WithPlugins shares a plugin registry across tests.
func WithPlugins(p *plugin.Registry) Option { return func(r *Runner) { r.plugins = p } }

func New(cfg Config, drv backend.Driver, logger *slog.Logger, opts ...Option) *Runner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	r := &Runner{
		cfg:    cfg,
		logger: logger.With("component", "runner"),
		base:   logger,
		drv:    drv,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes tests in order under a new run record named name. It stops
// early when ctx is cancelled and returns the final run record.
func (r *Runner) Run(ctx context.Context, name string, tests []string) (*store.Run, error) {
	run := &store.Run{
		ID:     uuid.NewString(),
		Name:   name,
		Status: store.StatusRunning,
		Start:  r.now(),
	}
	if err := r.saveRun(run); err != nil {
		return nil, err
	}
	r.logger.Info("run started", "run_id", run.ID, "name", name, "tests", len(tests))
	r.emit(bus.EventRunStarted, *run)

	for _, test := range tests {
		if ctx.Err() != nil {
			run.Status = store.StatusAborted
			break
		}
		res := r.RunTest(ctx, run.ID, test)
		run.Add(&res)
		r.persistResult(run.ID, &res)
	}

	if run.Status == store.StatusRunning {
		run.Status = store.StatusFinished
	}
	run.End = r.now()
	if err := r.saveRun(run); err != nil {
		r.logger.Error("save run failed", "run_id", run.ID, "err", err)
	}
	r.logger.Info("run finished", "run_id", run.ID, "status", run.Status,
		"total", run.Total, "passed", run.Passed, "failed", run.Failed, "blocked", run.Blocked)
	r.emit(bus.EventRunFinished, *run)
	return run, nil
}

// RunTest runs one test file and returns its results record. Failures to
// set up the test are recorded as exceptions in the record.
func (r *Runner) RunTest(ctx context.Context, runID, test string) report.Results {
	id := uuid.NewString()
	rep, err := report.New(r.base, test,
		report.WithDir(r.cfg.ResultsDir),
		report.WithID(id, runID),
		report.WithHaltOnFailure(r.cfg.HaltOnFailure),
		report.WithSaveHTMLOn(r.cfg.SaveHTMLOn...),
		report.WithScreenshotOn(r.cfg.ScreenshotOn...),
		report.WithPageAsserter(r.cfg.PageAsserter),
	)
	if err != nil {
		r.logger.Error("create reporter failed", "test", test, "err", err)
		now := r.now()
		return report.Results{
			ID: id, RunID: runID, TestFile: test, Start: now, End: now,
			Exceptions: 1, Result: report.ResultFail,
		}
	}

	if r.cfg.Blocklist.Blocked(test) {
		rep.SetBlocked()
		rep.Log("Test is blocklisted, not running.")
		rep.Close()
		res := rep.Results()
		r.emit(bus.EventTestBlocked, res)
		return res
	}

	r.execute(ctx, test, rep)
	rep.Close()
	res := rep.Results()
	r.logger.Info("test finished", "test", test, "result", res.Result,
		"errors", res.Errors, "failed_asserts", res.FailedAsserts, "exceptions", res.Exceptions)
	return res
}

func (r *Runner) execute(ctx context.Context, test string, rep *report.Reporter) {
	if r.restart.Swap(false) {
		rep.SetRestart(true)
		rep.Log("Restarting browser after watchdog.")
		if err := r.drv.Close(); err != nil {
			r.logger.Debug("close killed browser", "err", err)
		}
	}
	if !r.drv.IsOpen() {
		if err := r.drv.Open(ctx); err != nil {
			rep.Exception("Failed to open browser", err)
			return
		}
	}
	rep.SetDriver(r.drv)

	events, err := event.Load(test)
	if err != nil {
		rep.Exception("Failed to load test", err)
		return
	}

	v := vars.New(r.cfg.Hijacks, r.base)
	now := r.now()
	v.Set("stamp", now.Format("060102_030405"))
	v.Set("currentdate", now.Format("01/02/2006"))
	for k, val := range r.cfg.Vars {
		v.Set(k, val)
	}

	w := worker.New(r.base)
	in := interp.New(interp.Config{
		Driver:         r.drv,
		Reporter:       rep,
		Vars:           v,
		Plugins:        r.plugins,
		AttachTimeout:  r.cfg.AttachTimeout,
		Heartbeat:      w.Beat,
		Tick:           r.cfg.Tick,
		LocatorOptions: r.cfg.LocatorOptions,
	}, r.base)
	w.OnStop(in.RequestStop)
	rep.SetHaltFunc(w.Stop)

	sup := worker.NewSupervisor(w, worker.SupervisorConfig{
		Threshold: r.cfg.Watchdog,
		Poll:      r.cfg.WatchdogPoll,
		OnTimeout: func(idle time.Duration) {
			rep.Watchdog(idle)
			r.emit(bus.EventWatchdog, map[string]any{
				"run_id": rep.Results().RunID, "test": test, "idle": idle.String(),
			})
			if err := r.drv.Kill(); err != nil {
				r.logger.Error("kill browser failed", "err", err)
			}
			r.restart.Store(true)
		},
	}, r.base)

	r.emit(bus.EventTestStarted, rep.Results())
	supCtx, cancelSup := context.WithCancel(ctx)
	defer func() {
		cancelSup()
		<-sup.Done()
	}()
	w.Start(ctx, func(ctx context.Context) { in.Run(ctx, events) })
	sup.Start(supCtx)

	select {
	case <-w.Done():
	case <-sup.Done():
		if !sup.Fired() {
			<-w.Done()
			return
		}
		select {
		case <-w.Done():
		case <-time.After(r.cfg.StopGrace):
			r.logger.Error("worker did not exit after watchdog, abandoning it", "test", test)
		}
	}
}

func (r *Runner) persistResult(runID string, res *report.Results) {
	if r.store != nil {
		if err := r.store.SaveResult(res); err != nil {
			r.logger.Error("save result failed", "test", res.TestFile, "err", err)
		}
		err := r.store.UpdateRun(runID, func(run *store.Run) error {
			run.Add(res)
			return nil
		})
		if err != nil {
			r.logger.Error("update run failed", "run_id", runID, "err", err)
		}
	}
	r.emit(bus.EventTestFinished, *res)
}

func (r *Runner) saveRun(run *store.Run) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveRun(run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (r *Runner) emit(typ string, data any) {
	if r.bus != nil {
		r.bus.Emit(bus.Event{Type: typ, Data: data})
	}
}
