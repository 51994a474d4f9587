// Package plugin maps (element kind, lifecycle point) pairs to user code run
// during a test: JS snippets executed in the page, Lua scripts, or Go
// callbacks registered by name.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/event"
)

var (
	// ErrPluginFailed is a nonzero or unparsable plugin result.
	ErrPluginFailed = errors.New("plugin failed")
	// ErrNotFound is a call to a plugin name nobody registered.
	ErrNotFound = errors.New("plugin not found")
)

// Point is a lifecycle hook.
type Point string

const (
	BeforeClick       Point = "BEFORE_CLICK"
	AfterClick        Point = "AFTER_CLICK"
	AfterSet          Point = "AFTER_SET"
	AfterFound        Point = "AFTER_FOUND"
	AfterDialogClosed Point = "AFTER_DIALOG_CLOSED"
	AfterEvent        Point = "AFTER_EVENT"
	AlwaysFire        Point = "ALWAYS_FIRE"
	BeforeTest        Point = "BEFORE_TEST"
	AfterTest         Point = "AFTER_TEST"
)

var points = []Point{BeforeClick, AfterClick, AfterSet, AfterFound,
	AfterDialogClosed, AfterEvent, AlwaysFire, BeforeTest, AfterTest}

// ParsePoint accepts "AFTER_CLICK", "afterclick" and "after_click".
func ParsePoint(s string) (Point, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, p := range points {
		if strings.ReplaceAll(string(p), "_", "") == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown plugin event %q", s)
}

// Call is what a plugin sees when it runs.
type Call struct {
	Args    []string
	Driver  backend.Driver
	Element backend.Element
}

// Native is a Go plugin. A nonzero result is a failure.
type Native func(ctx context.Context, c Call) int

// Target runs one plugin body.
type Target interface {
	Run(ctx context.Context, c Call) (int, error)
	String() string
}

// Plugin binds a target to the kinds and points that trigger it.
type Plugin struct {
	Kinds  []event.Kind
	Points []Point
	Args   []string
	Target Target
}

// matches reports whether p handles point for kind. An empty kind is a
// test-level point (BEFORE_TEST, AFTER_TEST) and matches on point alone.
func (p *Plugin) matches(kind event.Kind, point Point) bool {
	if !slices.Contains(p.Points, point) {
		return false
	}
	return kind == "" || slices.Contains(p.Kinds, kind)
}

// Registry holds hook plugins in registration order plus named plugins for
// javaplugin events. It is shared by every test in a run.
type Registry struct {
	logger *slog.Logger
	cache  *sourceCache

	mu      sync.RWMutex
	hooks   []*Plugin
	named   map[string]Target
	natives map[string]Native
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "plugin"),
		cache:   newSourceCache(),
		named:   make(map[string]Target),
		natives: make(map[string]Native),
	}
}

// Add appends hook plugins; earlier registrations win.
func (r *Registry) Add(ps ...*Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, ps...)
}

// RegisterNative makes fn callable by name from plugin config and
// javaplugin events.
func (r *Registry) RegisterNative(name string, fn Native) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[name] = fn
}

// LoadNamed registers a script file under name. The file type is chosen
// by extension: .lua or anything else as JavaScript.
func (r *Registry) LoadNamed(name, file string) error {
	t, err := r.scriptTarget(file)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.named[name] = t
	r.mu.Unlock()
	r.logger.Info("plugin loaded", "name", name, "file", file)
	return nil
}

func (r *Registry) scriptTarget(file string) (Target, error) {
	if _, err := r.cache.source(file); err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(file), ".lua") {
		if _, err := r.cache.lua(file); err != nil {
			return nil, err
		}
		return &luaTarget{file: file, cache: r.cache, logger: r.logger}, nil
	}
	return &jsTarget{file: file, cache: r.cache}, nil
}

func (r *Registry) native(name string) (Target, bool) {
	fn, ok := r.natives[name]
	if !ok {
		return nil, false
	}
	return nativeTarget{name: name, fn: fn}, true
}

// Len returns the number of hook plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Fire runs the first hook plugin matching kind and point. window is the
// handle the caller believes is current; when it no longer exists the hook
// is skipped. fired reports whether a plugin ran.
func (r *Registry) Fire(ctx context.Context, drv backend.Driver, window string, el backend.Element, kind event.Kind, point Point) (fired bool, err error) {
	r.mu.RLock()
	var match *Plugin
	for _, p := range r.hooks {
		if p.matches(kind, point) {
			match = p
			break
		}
	}
	r.mu.RUnlock()
	if match == nil {
		return false, nil
	}

	if !windowExists(ctx, drv, window) {
		r.logger.Info("browser window closed, skipping plugin", "plugin", match.Target, "point", point)
		return false, nil
	}

	r.logger.Debug("plugin event started", "plugin", match.Target, "kind", kind, "point", point)
	err = run(ctx, match.Target, Call{Args: match.Args, Driver: drv, Element: el})
	r.logger.Debug("plugin event finished", "plugin", match.Target, "err", err)
	return true, err
}

// Call runs a plugin by name with the configured args followed by args.
func (r *Registry) Call(ctx context.Context, name string, drv backend.Driver, el backend.Element, args []string) error {
	r.mu.RLock()
	t, ok := r.named[name]
	if !ok {
		t, ok = r.native(name)
	}
	var base []string
	for _, p := range r.hooks {
		if p.Target.String() == name {
			base = p.Args
			break
		}
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return run(ctx, t, Call{Args: append(slices.Clone(base), args...), Driver: drv, Element: el})
}

func run(ctx context.Context, t Target, c Call) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrPluginFailed, t, p)
		}
	}()
	rv, err := t.Run(ctx, c)
	if err != nil {
		if errors.Is(err, ErrPluginFailed) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrPluginFailed, t, err)
	}
	if rv != 0 {
		return fmt.Errorf("%w: %s returned %d", ErrPluginFailed, t, rv)
	}
	return nil
}

func windowExists(ctx context.Context, drv backend.Driver, window string) bool {
	if window == "" {
		return drv.IsOpen()
	}
	handles, err := drv.WindowHandles(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(handles, window)
}

type nativeTarget struct {
	name string
	fn   Native
}

func (n nativeTarget) Run(ctx context.Context, c Call) (int, error) {
	return n.fn(ctx, c), nil
}

func (n nativeTarget) String() string { return n.name }
