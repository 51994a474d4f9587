package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/plugin"
)

// selectState is the select element recorded by the "store select" action.
type selectState struct {
	multiple    bool
	multiselect bool
}

func (in *Interpreter) actStoreSelect(ctx context.Context, n *node, _ string) error {
	multi, err := in.drv.Attribute(ctx, n.el, "multiple")
	if err != nil {
		return err
	}
	m := multi != "" && multi != "false"
	n.sel = &selectState{multiple: m, multiselect: true}
	return nil
}

func (in *Interpreter) options(ctx context.Context, n *node) ([]backend.Element, error) {
	return in.drv.FindElements(ctx, backend.ByTagName, "option", n.el)
}

func (in *Interpreter) selected(ctx context.Context, n *node) ([]backend.Element, error) {
	opts, err := in.options(ctx, n)
	if err != nil {
		return nil, err
	}
	var out []backend.Element
	for _, o := range opts {
		on, err := in.drv.IsSelected(ctx, o)
		if err != nil {
			return nil, err
		}
		if on {
			out = append(out, o)
		}
	}
	return out, nil
}

// findOption returns the first option matching by text (substring match when
// contains is set, exact otherwise) or by value.
func (in *Interpreter) findOption(ctx context.Context, n *node, want string, byValue, contains bool) (backend.Element, error) {
	opts, err := in.options(ctx, n)
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		var got string
		if byValue {
			got, err = in.drv.Attribute(ctx, o, "value")
		} else {
			got, err = in.drv.Text(ctx, o)
		}
		if err != nil {
			return nil, err
		}
		if contains && strings.Contains(got, want) || !contains && strings.TrimSpace(got) == want {
			return o, nil
		}
	}
	return nil, nil
}

func (in *Interpreter) optionAssert(ctx context.Context, n *node, val string, wantSelected bool) error {
	opt := in.sub(val)
	o, err := in.findOption(ctx, n, opt, false, true)
	if err != nil {
		return err
	}
	if o == nil {
		return failErr("Failed to find select option '%s'", opt)
	}
	on, err := in.drv.IsSelected(ctx, o)
	if err != nil {
		return err
	}
	state := "selected"
	if !on {
		state = "not selected"
	}
	in.rep.Assert(fmt.Sprintf("Select option '%s' is %s", opt, state), on, wantSelected)
	return nil
}

func (in *Interpreter) actOptionAssert(ctx context.Context, n *node, val string) error {
	return in.optionAssert(ctx, n, val, true)
}

func (in *Interpreter) actOptionAssertNot(ctx context.Context, n *node, val string) error {
	return in.optionAssert(ctx, n, val, false)
}

func (in *Interpreter) actMultiselect(_ context.Context, n *node, val string) error {
	v := in.boolAct(val)
	if !n.sel.multiple && !v {
		return attrErr(`multiselect="false" is not valid for single select controls`)
	}
	n.sel.multiselect = v
	return nil
}

func (in *Interpreter) deselectAll(ctx context.Context, n *node) error {
	opts, err := in.selected(ctx, n)
	if err != nil {
		return err
	}
	for _, o := range opts {
		if err := in.drv.SetSelected(ctx, o, false); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) actDeselectAll(ctx context.Context, n *node, val string) error {
	if !in.boolAct(val) || !n.sel.multiple {
		return nil
	}
	return in.deselectAll(ctx, n)
}

func (in *Interpreter) selectOption(ctx context.Context, n *node, val string, byValue bool) error {
	v := in.sub(val)
	how := "visible text"
	if byValue {
		how = "value"
	}
	in.rep.Log(fmt.Sprintf("Setting option by %s: '%s'.", how, v))

	err := func() error {
		if !n.sel.multiselect && n.sel.multiple {
			if err := in.deselectAll(ctx, n); err != nil {
				return err
			}
		}
		o, err := in.findOption(ctx, n, v, byValue, false)
		if err != nil {
			return err
		}
		if o == nil {
			return failErr("Option with %s '%s' does not exist", how, v)
		}
		return in.drv.SetSelected(ctx, o, true)
	}()
	if errors.Is(err, backend.ErrStaleElement) {
		// A change handler reloaded the page under us.
		in.rep.Log("Page refreshed; select element no longer exists.")
		return errStop
	}
	if err != nil {
		return err
	}
	in.fire(ctx, n.el, n.ev.Kind, plugin.AfterSet)
	return nil
}

func (in *Interpreter) actSelectText(ctx context.Context, n *node, val string) error {
	return in.selectOption(ctx, n, val, false)
}

func (in *Interpreter) actSelectValue(ctx context.Context, n *node, val string) error {
	return in.selectOption(ctx, n, val, true)
}

func (in *Interpreter) actAssertSelected(ctx context.Context, n *node, val string) error {
	want := in.boolAct(val)
	opts, err := in.selected(ctx, n)
	if err != nil {
		return err
	}
	some := len(opts) > 0
	msg := "Option selected"
	if !some {
		msg = "Option not selected"
	}
	in.rep.Assert(msg, some, want)
	return nil
}

func (in *Interpreter) included(ctx context.Context, n *node, val string, want bool) error {
	opt := in.sub(val)
	o, err := in.findOption(ctx, n, opt, false, true)
	if err != nil {
		return err
	}
	found := o != nil
	msg := fmt.Sprintf("Select option '%s'%s found and%s expected.", opt, notIf(!found), notIf(!want))
	in.rep.Assert(msg, found, want)
	return nil
}

func notIf(b bool) string {
	if b {
		return " not"
	}
	return ""
}

func (in *Interpreter) actIncluded(ctx context.Context, n *node, val string) error {
	return in.included(ctx, n, val, true)
}

func (in *Interpreter) actNotIncluded(ctx context.Context, n *node, val string) error {
	return in.included(ctx, n, val, false)
}
