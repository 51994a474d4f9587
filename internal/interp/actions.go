package interp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/event"
	"voodoo-go/internal/pipeline"
	"voodoo-go/internal/plugin"
)

// action handles one named action of an element event. val is the raw,
// unsubstituted attribute value.
type action func(in *Interpreter, ctx context.Context, n *node, val string) error

const storeSelect = "store select"

// pipelines maps element classes to their action lists. Built once in init.
var pipelines map[event.Class]*pipeline.List[action]

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func init() {
	base := pipeline.New[action]()
	base.AddLast("var", (*Interpreter).actVar)
	base.AddLast("assert", (*Interpreter).actAssert)
	base.AddLast("assertnot", (*Interpreter).actAssertNot)
	base.AddLast("cssprop", (*Interpreter).actCSS)
	base.AddLast("jscriptevent", (*Interpreter).actJSEvent)
	base.AddLast("click", (*Interpreter).actClick)
	base.AddLast("assertpage", (*Interpreter).actAssertPage)

	interactive := base.Clone()
	must(interactive.InsertBefore("var", "disabled", (*Interpreter).actDisabled))
	must(interactive.InsertBefore("var", "clear", (*Interpreter).actClear))
	must(interactive.InsertBefore("var", "set", (*Interpreter).actSet))
	must(interactive.InsertBefore("var", "append", (*Interpreter).actAppend))

	toggle := base.Clone()
	must(toggle.InsertBefore("var", "disabled", (*Interpreter).actDisabled))
	must(toggle.InsertBefore("var", "set", (*Interpreter).actToggle))

	link := base.Clone()
	link.AddFirst("disabled", (*Interpreter).actDisabled)
	must(link.InsertBefore("click", "alert", (*Interpreter).actAlertHack))

	filefield := interactive.Clone()
	must(filefield.Replace("set", (*Interpreter).actFileSet))

	sel := base.Clone()
	sel.AddFirst(storeSelect, (*Interpreter).actStoreSelect)
	must(sel.Replace("assert", (*Interpreter).actOptionAssert))
	must(sel.Replace("assertnot", (*Interpreter).actOptionAssertNot))
	must(sel.InsertBefore("var", "multiselect", (*Interpreter).actMultiselect))
	must(sel.InsertBefore("var", "clear", (*Interpreter).actDeselectAll))
	must(sel.InsertBefore("var", "set", (*Interpreter).actSelectText))
	must(sel.InsertBefore("var", "setreal", (*Interpreter).actSelectValue))
	sel.AddLast("assertselected", (*Interpreter).actAssertSelected)
	sel.AddLast("included", (*Interpreter).actIncluded)
	sel.AddLast("notincluded", (*Interpreter).actNotIncluded)

	pipelines = map[event.Class]*pipeline.List[action]{
		event.ClassSimple:      base,
		event.ClassInteractive: interactive,
		event.ClassToggle:      toggle,
		event.ClassLink:        link,
		event.ClassButton:      link.Clone(),
		event.ClassFilefield:   filefield,
		event.ClassSelect:      sel,
	}
}

// runActions runs the node's action list over its actions and the class
// defaults.
func (in *Interpreter) runActions(ctx context.Context, n *node) Outcome {
	class := n.ev.Info().Class
	list, ok := pipelines[class]
	if !ok {
		return in.outcome(ctx, n, failErr("no action list for %s events", n.ev.Kind))
	}

	n.acts = maps.Clone(n.ev.Actions)
	if n.acts == nil {
		n.acts = make(map[string]string)
	}
	setDefault(n.acts, "assertpage", "true")
	switch class {
	case event.ClassLink, event.ClassButton:
		setDefault(n.acts, "click", "true")
	case event.ClassSelect:
		n.acts[storeSelect] = "true"
	}

	out := Continue
	list.Run(func(name string) bool {
		_, ok := n.acts[name]
		return ok
	}, func(s pipeline.Step[action]) bool {
		if in.Stopped(ctx) {
			out = Stop
			return false
		}
		out = in.outcome(ctx, n, s.Handler(in, ctx, n, n.acts[s.Name]))
		return out == Continue
	})
	return out
}

func setDefault(m map[string]string, k, v string) {
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

func (in *Interpreter) boolAct(val string) bool { return event.ParseBool(in.sub(val)) }

// value is what var stores for the node's element.
func (in *Interpreter) value(ctx context.Context, n *node) (string, error) {
	switch n.ev.Info().Class {
	case event.ClassInteractive, event.ClassFilefield:
		return in.drv.Attribute(ctx, n.el, "value")
	case event.ClassToggle:
		on, err := in.drv.IsSelected(ctx, n.el)
		return strconv.FormatBool(on), err
	case event.ClassSelect:
		opts, err := in.selected(ctx, n)
		if err != nil || len(opts) == 0 {
			return "", err
		}
		return in.drv.Text(ctx, opts[0])
	}
	return in.drv.Text(ctx, n.el)
}

func (in *Interpreter) actVar(ctx context.Context, n *node, val string) error {
	name := in.sub(val)
	v, err := in.value(ctx, n)
	if err != nil {
		return err
	}
	in.rep.Log(fmt.Sprintf("Setting variable: '%s' => '%s'.", name, strings.ReplaceAll(v, "\n", `\n`)))
	in.cx.Vars.Set(name, v)
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterSet)
	return nil
}

func (in *Interpreter) actAssert(ctx context.Context, n *node, val string) error {
	text, err := in.drv.Text(ctx, n.el)
	if err != nil {
		return err
	}
	in.rep.AssertFind(in.sub(val), text)
	return nil
}

func (in *Interpreter) actAssertNot(ctx context.Context, n *node, val string) error {
	text, err := in.drv.Text(ctx, n.el)
	if err != nil {
		return err
	}
	in.rep.AssertNotFind(in.sub(val), text)
	return nil
}

func (in *Interpreter) actCSS(_ context.Context, n *node, val string) error {
	in.rep.Log("cssprop/cssvalue action", "cssprop", in.sub(val), "cssvalue", in.sub(n.acts["cssvalue"]))
	return nil
}

var jsEventName = regexp.MustCompile(`^[a-z]+$`)

const fireEventJS = `var ele = arguments[0];
if (document.createEvent) {
	var evt = document.createEvent('HTMLEvents');
	evt.initEvent('%[1]s', true, true);
	ele.dispatchEvent(evt);
} else if (ele.fireEvent) {
	ele.fireEvent('on%[1]s');
}
return 0;`

func (in *Interpreter) actJSEvent(ctx context.Context, n *node, val string) error {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(in.sub(val))), "on")
	if !jsEventName.MatchString(name) {
		return attrErr("invalid jscriptevent %q", val)
	}
	in.rep.Log("Firing Javascript Event: " + name)
	if _, err := in.drv.ExecuteScript(ctx, fmt.Sprintf(fireEventJS, name), n.el); err != nil {
		return err
	}
	in.sleep(ctx, 1)
	return nil
}

func (in *Interpreter) actClick(ctx context.Context, n *node, val string) error {
	if !in.boolAct(val) {
		in.rep.Log("Not clicking element, click => false")
		return nil
	}
	in.rep.Log("Clicking element")
	in.fire(ctx, n.el, n.ev.Kind, plugin.BeforeClick)
	if err := in.drv.Click(ctx, n.el); err != nil {
		if errors.Is(err, backend.ErrStaleElement) || errors.Is(err, backend.ErrClosed) {
			return err
		}
		in.rep.Log("Click failed: scrolling window to retry.", "err", err)
		if _, serr := in.drv.ExecuteScript(ctx, "arguments[0].scrollIntoView(true);", n.el); serr != nil {
			in.logger.Debug("scroll into view failed", "err", serr)
		}
		if err := in.drv.Click(ctx, n.el); err != nil {
			return fmt.Errorf("click element: %w", err)
		}
	}
	if n.alertHack != nil {
		if err := in.drv.HandleAlert(ctx, *n.alertHack); err != nil && !errors.Is(err, backend.ErrNoAlert) {
			return err
		}
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterClick)
	return nil
}

func (in *Interpreter) actAssertPage(ctx context.Context, _ *node, val string) error {
	if !in.boolAct(val) || !in.rep.HasPageAsserter() {
		return nil
	}
	src, err := in.drv.PageSource(ctx)
	if err != nil {
		return err
	}
	in.rep.AssertPage(src, in.cx.Whitelist)
	return nil
}

func (in *Interpreter) actDisabled(ctx context.Context, n *node, val string) error {
	want := !in.boolAct(val)
	enabled, err := in.drv.IsEnabled(ctx, n.el)
	if err != nil {
		return err
	}
	in.rep.Assert(fmt.Sprintf("Element enabled=%v, expected enabled=%v", enabled, want), enabled, want)
	return nil
}

func (in *Interpreter) actClear(ctx context.Context, n *node, val string) error {
	if !in.boolAct(val) {
		return nil
	}
	in.rep.Log("Clearing " + string(n.ev.Kind))
	return in.drv.Clear(ctx, n.el)
}

func (in *Interpreter) actSet(ctx context.Context, n *node, val string) error {
	v := in.sub(val)
	in.rep.Log(fmt.Sprintf("Setting value of %s to '%s'", n.ev.Kind, v))
	if err := in.drv.Clear(ctx, n.el); err != nil {
		return err
	}
	if err := in.drv.SendKeys(ctx, n.el, v); err != nil {
		return err
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterSet)
	return nil
}

func (in *Interpreter) actAppend(ctx context.Context, n *node, val string) error {
	v := in.sub(val)
	in.rep.Log(fmt.Sprintf("Appending '%s' to %s", v, n.ev.Kind))
	return in.drv.SendKeys(ctx, n.el, v)
}

func (in *Interpreter) actFileSet(ctx context.Context, n *node, val string) error {
	p, err := filepath.Abs(in.sub(val))
	if err != nil {
		return failErr("resolve file %q: %v", val, err)
	}
	in.rep.Log("Setting filefield to: " + p)
	if err := in.drv.SendKeys(ctx, n.el, p); err != nil {
		return err
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterSet)
	return nil
}

// actToggle clicks a checkbox or radio only when its state differs from the
// requested one.
func (in *Interpreter) actToggle(ctx context.Context, n *node, val string) error {
	want := in.boolAct(val)
	on, err := in.drv.IsSelected(ctx, n.el)
	if err != nil {
		return err
	}
	if want == on {
		state := "checked"
		if !on {
			state = "unchecked"
		}
		in.rep.Log(fmt.Sprintf("%s is already %s. Skipping.", n.ev.Kind, state))
		return nil
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.BeforeClick)
	if err := in.drv.Click(ctx, n.el); err != nil {
		return err
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterClick)
	return nil
}

func (in *Interpreter) actAlertHack(_ context.Context, n *node, val string) error {
	accept := in.boolAct(val)
	in.rep.Log(fmt.Sprintf("Setting Alert Hack to: '%v'", accept))
	in.rep.Warn("You are using a deprecated alert hack, please use the <alert> command!")
	n.alertHack = &accept
	return nil
}
