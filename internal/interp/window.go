package interp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/plugin"
)

var browserNav = map[string]backend.NavOp{
	"back":    backend.NavBack,
	"close":   backend.NavClose,
	"forward": backend.NavForward,
	"refresh": backend.NavRefresh,
}

// browserOrder is the order browser attributes are applied in.
var browserOrder = []string{"url", "action", "assert", "assertnot", "assertpage"}

var browserUnimplemented = map[string]bool{
	"cssprop": true, "cssvalue": true, "exist": true, "jscriptevent": true, "send_keys": true,
}

func (in *Interpreter) cmdBrowser(ctx context.Context, n *node) error {
	for attr := range n.ev.Actions {
		if browserUnimplemented[attr] {
			in.rep.Warn(fmt.Sprintf("browser attribute %s unimplemented", attr))
			continue
		}
		if attr != "save" && !slices.Contains(browserOrder, attr) {
			return attrErr("Unknown browser attribute '%s'", attr)
		}
	}
	for _, attr := range browserOrder {
		raw, ok := n.ev.Action(attr)
		if !ok {
			continue
		}
		var err error
		switch attr {
		case "url":
			err = in.browserURL(ctx, in.sub(raw))
		case "action":
			err = in.browserAction(ctx, in.sub(raw))
		case "assert", "assertnot":
			err = in.browserAssert(ctx, n, in.sub(raw), attr == "assert")
		case "assertpage":
			err = in.actAssertPage(ctx, n, raw)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) browserURL(ctx context.Context, url string) error {
	in.rep.Log("URL: " + url)
	if !in.drv.IsOpen() {
		in.rep.Log("Browser window is closed. Reopening.")
		if err := in.drv.Open(ctx); err != nil {
			return fmt.Errorf("reopen browser: %w", err)
		}
		if w, err := in.drv.CurrentWindow(ctx); err == nil {
			in.cx.Window = w
		}
	}
	if err := in.drv.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate to %s (alert present?): %w", url, err)
	}
	return nil
}

func (in *Interpreter) browserAction(ctx context.Context, name string) error {
	op, ok := browserNav[name]
	if !ok {
		return attrErr("Unknown browser action '%s'", name)
	}
	in.rep.Log("Calling browser action " + name + ".")
	var err error
	for retry := 2; retry > 0; retry-- {
		if err = in.drv.History(ctx, op); err == nil {
			return nil
		}
		text, aerr := in.drv.AlertText(ctx)
		if aerr != nil {
			break
		}
		in.rep.Warn(fmt.Sprintf("Found unhandled alert: '%s'", text))
		if herr := in.drv.HandleAlert(ctx, true); herr != nil {
			break
		}
		in.rep.Log("Retrying browser action...")
	}
	return failErr("Failed to execute browser action %s (alert present?): %v", name, err)
}

func (in *Interpreter) browserAssert(ctx context.Context, n *node, search string, want bool) error {
	var (
		text string
		err  error
	)
	if n.parent != nil {
		text, err = in.drv.Text(ctx, n.parent)
	} else {
		text, err = in.drv.PageText(ctx)
	}
	if err != nil {
		return err
	}
	if want {
		in.rep.AssertFind(search, text)
	} else {
		in.rep.AssertNotFind(search, text)
	}
	return nil
}

// windowMatch reports whether target equals search or matches it as a
// whole-string regular expression.
func windowMatch(search, target string) bool {
	if search == target {
		return true
	}
	re, err := regexp.Compile(`^(?:` + search + `)$`)
	return err == nil && re.MatchString(target)
}

func (in *Interpreter) findWindow(ctx context.Context, n *node, index int) (string, error) {
	handles, err := in.drv.WindowHandles(ctx)
	if err != nil {
		return "", err
	}

	var (
		what   string
		search string
		get    func(context.Context) (string, error)
	)
	if t, ok := n.ev.Action("title"); ok {
		what, search, get = "title", in.sub(t), in.drv.Title
	} else if u, ok := n.ev.Action("url"); ok {
		what, search, get = "url", in.sub(u), in.drv.CurrentURL
	} else {
		if index < len(handles) {
			return handles[index], nil
		}
		return "", failErr("Unable to find window by index '%d'", index)
	}

	nth := 0
	for _, h := range handles {
		if err := in.drv.SwitchToWindow(ctx, h); err != nil {
			continue
		}
		v, err := get(ctx)
		if err != nil || !windowMatch(search, v) {
			continue
		}
		if nth == index {
			return h, nil
		}
		nth++
	}
	return "", failErr("Unable to find window by %s '%s'", what, search)
}

func (in *Interpreter) cmdAttach(ctx context.Context, n *node) error {
	parent, err := in.drv.CurrentWindow(ctx)
	if err != nil {
		return err
	}
	n.prevWin = parent
	in.rep.Log("Current Window Handle: " + parent)

	index := 0
	if raw, ok := n.ev.Action("index"); ok {
		i, err := strconv.Atoi(in.sub(raw))
		if err != nil {
			in.rep.Error(fmt.Sprintf("Specified attach index '%s' is not a valid integer. Using 0.", raw))
		} else {
			index = i
		}
	}

	retries := int(in.attachTimeout.Seconds())
	var target string
	for {
		target, err = in.findWindow(ctx, n, index)
		if err == nil {
			break
		}
		if retries > 0 && !errors.Is(err, backend.ErrClosed) {
			retries--
			if in.sleep(ctx, 1) {
				continue
			}
		}
		if serr := in.drv.SwitchToWindow(ctx, parent); serr != nil {
			in.logger.Debug("restore parent window failed", "err", serr)
		}
		in.rep.Error(err.Error())
		return errStop
	}

	if err := in.drv.SwitchToWindow(ctx, target); err != nil {
		return err
	}
	title, _ := in.drv.Title(ctx)
	url, _ := in.drv.CurrentURL(ctx)
	in.rep.Log("Switching to matching window", "handle", target, "title", title, "url", url)
	in.cx.Window = target
	return nil
}

func (in *Interpreter) afterAttach(ctx context.Context, n *node) error {
	in.rep.Log("Switching back to window handle: " + n.prevWin)
	if err := in.drv.SwitchToWindow(ctx, n.prevWin); err != nil {
		return err
	}
	in.cx.Window = n.prevWin
	if secs := int(in.attachTimeout.Seconds()); secs > 0 {
		in.rep.Log(fmt.Sprintf("Waiting %d seconds before executing next event.", secs))
		in.sleep(ctx, secs)
	}
	return nil
}

func (in *Interpreter) cmdFrame(ctx context.Context, n *node) error {
	var ref backend.FrameRef
	if raw, ok := n.ev.Attr("index"); ok {
		i, err := strconv.Atoi(in.sub(raw))
		if err != nil {
			return attrErr("Invalid index '%s'", raw)
		}
		ref.Index = i
		in.rep.Log(fmt.Sprintf("Switching to iframe by index '%d'.", i))
	} else if raw, ok := n.ev.Attr("id"); ok {
		ref.Name = in.sub(raw)
	} else if raw, ok := n.ev.Attr("name"); ok {
		ref.Name = in.sub(raw)
	} else {
		return attrErr("Missing index, id, or name attribute.")
	}
	if ref.Name != "" {
		in.rep.Log(fmt.Sprintf("Switching to iframe by name '%s'", ref.Name))
	}
	if err := in.drv.SwitchToFrame(ctx, ref); err != nil {
		if errors.Is(err, backend.ErrNoSuchFrame) {
			return failErr("No iframe %v found", ref)
		}
		return err
	}
	return nil
}

func (in *Interpreter) afterFrame(ctx context.Context, _ *node) error {
	in.rep.Log("Switching back to default iframe.")
	if err := in.drv.SwitchToDefaultContent(ctx); err != nil {
		return failErr("Unable to switch back to default iframe: %v", err)
	}
	return nil
}

func (in *Interpreter) cmdAlert(ctx context.Context, n *node) error {
	var (
		accept, hasAccept bool
		exists, hasExists bool
		required          = true
	)
	if raw, ok := n.ev.Action("alert"); ok {
		accept, hasAccept = in.boolAct(raw), true
	}
	if raw, ok := n.ev.Action("exists"); ok {
		exists, hasExists = in.boolAct(raw), true
		accept = true
	}
	if !hasAccept && !hasExists {
		return attrErr("Missing 'alert' or 'exists' attribute")
	}
	if raw, ok := n.ev.Action("required"); ok {
		required = in.boolAct(raw)
	}

	text, err := in.drv.AlertText(ctx)
	if errors.Is(err, backend.ErrNoAlert) {
		switch {
		case hasExists && !exists:
			in.rep.Log("Alert not found and exists is false.")
		case !required:
			in.rep.Log("Alert not found and required is false.")
		default:
			in.rep.Error("Alert not found")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if hasExists && !exists {
		in.rep.Error("Alert found but exists is false")
		return nil
	}

	in.rep.Log(fmt.Sprintf("Found alert with text '%s'", text))
	if raw, ok := n.ev.Action("assert"); ok {
		in.rep.AssertFind(in.sub(raw), text)
	}
	if raw, ok := n.ev.Action("assertnot"); ok {
		in.rep.AssertNotFind(in.sub(raw), text)
	}
	if accept {
		in.rep.Log("Alert is being accepted.")
	} else {
		in.rep.Log("Alert is being dismissed.")
	}
	if err := in.drv.HandleAlert(ctx, accept); err != nil {
		return err
	}
	in.sleep(ctx, 1)
	in.fire(ctx, nil, n.ev.Kind, plugin.AfterDialogClosed)
	return nil
}
