// Package interp walks a loaded event tree against a browser. Each node is
// resolved to an element (for element kinds), run through its kind's action
// pipeline, then its children are walked with that element as their search
// scope.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/event"
	"voodoo-go/internal/locator"
	"voodoo-go/internal/plugin"
	"voodoo-go/internal/report"
	"voodoo-go/internal/vars"
)

var (
	// ErrAttribute marks a missing or unparsable event attribute.
	ErrAttribute = errors.New("invalid event attribute")
	// ErrFailed marks a node that could not do what it was asked to.
	ErrFailed = errors.New("event failed")

	// errStop ends a node's own handling without a report entry.
	errStop = errors.New("stop event")
)

func attrErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAttribute, fmt.Sprintf(format, args...))
}

func failErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFailed, fmt.Sprintf(format, args...))
}

// Outcome is how a node finished.
type Outcome int

const (
	// Continue means the node ran to completion.
	Continue Outcome = iota
	// Stop means the node cut its own handling short on purpose.
	Stop
	// Fail means the node reported an error or exception.
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Context is the mutable state of one test run, threaded through every
// node. It is owned by the worker goroutine.
type Context struct {
	Vars *vars.Store
	// Elements holds elements saved by name with the save action.
	Elements map[string]backend.Element
	// Whitelist holds page asserter ignore patterns added by whitelist events.
	Whitelist map[string]string
	// CSVOverride is the file the next csv event reads instead of its own.
	// It is a single slot; nested csv events share it.
	CSVOverride string
	// Window is the handle of the window events run against.
	Window string
}

// Config wires an Interpreter to its collaborators.
type Config struct {
	Driver   backend.Driver
	Reporter *report.Reporter
	Vars     *vars.Store
	// Plugins may be nil.
	Plugins *plugin.Registry
	// AttachTimeout is how long attach retries before giving up, and how
	// long it waits after restoring the parent window.
	AttachTimeout time.Duration
	// Heartbeat is called when a node starts and finishes.
	Heartbeat func()
	// Tick is the unit of the fixed pauses (wait seconds, attach retries,
	// post-alert and post-event delays). Defaults to one second.
	Tick time.Duration
	// Load reads script files for the script event. Defaults to event.Load.
	Load func(path string) ([]*event.Event, error)
	// LocatorOptions are passed to the element locator.
	LocatorOptions []locator.Option
}

// Interpreter runs event trees for one test.
type Interpreter struct {
	logger  *slog.Logger
	drv     backend.Driver
	rep     *report.Reporter
	plugins *plugin.Registry
	finder  *locator.Finder
	cx      *Context

	attachTimeout time.Duration
	heartbeat     func()
	tick          time.Duration
	load          func(string) ([]*event.Event, error)

	stop atomic.Bool
}

// New creates an interpreter with a fresh Context.
func New(cfg Config, logger *slog.Logger) *Interpreter {
	if cfg.Vars == nil {
		cfg.Vars = vars.New(nil, logger)
	}
	in := &Interpreter{
		logger:  logger.With("component", "interp"),
		drv:     cfg.Driver,
		rep:     cfg.Reporter,
		plugins: cfg.Plugins,
		cx: &Context{
			Vars:      cfg.Vars,
			Elements:  make(map[string]backend.Element),
			Whitelist: make(map[string]string),
		},
		attachTimeout: cfg.AttachTimeout,
		heartbeat:     cfg.Heartbeat,
		tick:          cfg.Tick,
		load:          cfg.Load,
	}
	if in.tick <= 0 {
		in.tick = time.Second
	}
	if in.load == nil {
		in.load = event.Load
	}
	if in.heartbeat == nil {
		in.heartbeat = func() {}
	}
	in.finder = locator.New(in.drv, in.cx.Vars.Substitute, in.rep, cfg.LocatorOptions...)
	return in
}

// Context returns the run state.
func (in *Interpreter) Context() *Context { return in.cx }

// RequestStop asks the interpreter to stop at the next node boundary.
func (in *Interpreter) RequestStop() { in.stop.Store(true) }

// Stopped reports whether a stop was requested or ctx is done.
func (in *Interpreter) Stopped(ctx context.Context) bool {
	return in.stop.Load() || ctx.Err() != nil
}

// Run executes a whole test: BEFORE_TEST, the top-level events, AFTER_TEST.
func (in *Interpreter) Run(ctx context.Context, events []*event.Event) {
	if w, err := in.drv.CurrentWindow(ctx); err == nil {
		in.cx.Window = w
	}
	in.fire(ctx, nil, "", plugin.BeforeTest)
	in.Process(ctx, events, nil)
	if !in.Stopped(ctx) {
		in.fire(ctx, nil, "", plugin.AfterTest)
	}
}

// Process runs events in document order with parent as their search scope.
func (in *Interpreter) Process(ctx context.Context, events []*event.Event, parent backend.Element) {
	for _, ev := range events {
		if in.Stopped(ctx) {
			return
		}
		in.Node(ctx, ev, parent)
	}
}

// node is one event being executed.
type node struct {
	ev     *event.Event
	parent backend.Element
	el     backend.Element

	// kind-specific state
	acts      map[string]string
	sel       *selectState
	alertHack *bool
	prevWin   string
}

func (n *node) where() string {
	return fmt.Sprintf("%s:%d", n.ev.File, n.ev.Line)
}

// Node executes one event and its subtree.
func (in *Interpreter) Node(ctx context.Context, ev *event.Event, parent backend.Element) Outcome {
	if in.Stopped(ctx) {
		return Stop
	}
	in.heartbeat()
	defer in.heartbeat()

	n := &node{ev: ev, parent: parent}
	in.logger.Debug("event started", "kind", ev.Kind, "at", n.where())

	out := in.execute(ctx, n)

	in.fire(ctx, n.el, ev.Kind, plugin.AfterEvent)
	if name, ok := ev.Action("save"); ok && n.el != nil {
		in.save(name, n.el)
	}
	in.logger.Debug("event finished", "kind", ev.Kind, "outcome", out)
	return out
}

func (in *Interpreter) execute(ctx context.Context, n *node) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			in.rep.Exception(fmt.Sprintf("%s event at %s", n.ev.Kind, n.where()), fmt.Errorf("panic: %v", p))
			out = Fail
		}
	}()

	if n.ev.Info().Class == event.ClassCommand {
		return in.command(ctx, n)
	}
	return in.element(ctx, n)
}

func (in *Interpreter) element(ctx context.Context, n *node) Outcome {
	el, err := in.finder.Find(ctx, n.ev, n.parent)
	if err != nil {
		return Fail
	}
	if el == nil {
		return Continue
	}
	n.el = el
	in.fire(ctx, el, n.ev.Kind, plugin.AfterFound)

	if out := in.runActions(ctx, n); out != Continue {
		return out
	}
	in.Process(ctx, n.ev.Children, el)
	return Continue
}

func (in *Interpreter) command(ctx context.Context, n *node) Outcome {
	cmd, ok := commands[n.ev.Kind]
	if !ok {
		return in.outcome(ctx, n, failErr("no handler for %s events", n.ev.Kind))
	}
	if out := in.outcome(ctx, n, cmd.run(in, ctx, n)); out != Continue {
		return out
	}
	if !cmd.loops {
		parent := n.parent
		if cmd.rescope {
			parent = nil
		}
		in.Process(ctx, n.ev.Children, parent)
	}
	if cmd.after != nil {
		return in.outcome(ctx, n, cmd.after(in, ctx, n))
	}
	return Continue
}

// outcome turns a handler error into an Outcome, reporting it on the way.
func (in *Interpreter) outcome(ctx context.Context, n *node, err error) Outcome {
	switch {
	case err == nil:
		return Continue
	case errors.Is(err, errStop):
		in.logger.Debug("event stopped", "kind", n.ev.Kind, "at", n.where())
		return Stop
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return Stop
	case errors.Is(err, ErrAttribute), errors.Is(err, ErrFailed), errors.Is(err, plugin.ErrPluginFailed):
		in.rep.Error(err.Error(), "event", n.ev.Kind, "at", n.where())
	default:
		in.rep.Exception(fmt.Sprintf("%s event at %s", n.ev.Kind, n.where()), err)
	}
	return Fail
}

// fire runs the first plugin registered for kind and point.
func (in *Interpreter) fire(ctx context.Context, el backend.Element, kind event.Kind, point plugin.Point) {
	if in.plugins == nil || ctx.Err() != nil {
		return
	}
	if _, err := in.plugins.Fire(ctx, in.drv, in.cx.Window, el, kind, point); err != nil {
		in.rep.Error("plugin failed", "point", point, "kind", kind, "err", err)
	}
}

func (in *Interpreter) save(name string, el backend.Element) {
	if _, ok := in.cx.Elements[name]; ok {
		in.rep.Warn(fmt.Sprintf("Clobbering existing saved element with same key '%s'", name))
	}
	in.cx.Elements[name] = el
	in.rep.Log(fmt.Sprintf("Saved HTML element with key '%s'", name))
}

func (in *Interpreter) sub(s string) string { return in.cx.Vars.Substitute(s) }

// sleep pauses for n ticks. It returns false when interrupted by a stop.
func (in *Interpreter) sleep(ctx context.Context, n int) bool {
	if n <= 0 {
		return !in.Stopped(ctx)
	}
	t := time.NewTimer(time.Duration(n) * in.tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return !in.stop.Load()
	}
}

// path resolves a file named in a script. Paths that do not exist relative
// to the working directory are tried relative to the script's directory.
func (in *Interpreter) path(ev *event.Event, p string) string {
	if filepath.IsAbs(p) || ev.File == "" {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	alt := filepath.Join(filepath.Dir(ev.File), p)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return p
}
