package interp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/event"
)

// command handles an event that does not resolve an element.
type command struct {
	run func(in *Interpreter, ctx context.Context, n *node) error
	// after runs once the children are done (afterChildren).
	after func(in *Interpreter, ctx context.Context, n *node) error
	// loops marks commands that run their own children.
	loops bool
	// rescope runs children against the document instead of the parent
	// element, for commands that switch windows or frames.
	rescope bool
}

var commands map[event.Kind]command

func init() {
	commands = map[event.Kind]command{
		event.KindAlert:        {run: (*Interpreter).cmdAlert},
		event.KindAttach:       {run: (*Interpreter).cmdAttach, after: (*Interpreter).afterAttach, rescope: true},
		event.KindBrowser:      {run: (*Interpreter).cmdBrowser},
		event.KindCSV:          {run: (*Interpreter).cmdCSV, loops: true},
		event.KindDelete:       {run: (*Interpreter).cmdDelete},
		event.KindDnD:          {run: (*Interpreter).cmdDnD},
		event.KindExecute:      {run: (*Interpreter).cmdExecute},
		event.KindFrame:        {run: (*Interpreter).cmdFrame, after: (*Interpreter).afterFrame, rescope: true},
		event.KindJavaplugin:   {run: (*Interpreter).cmdJavaplugin},
		event.KindJavascript:   {run: (*Interpreter).cmdJavascript},
		event.KindPluginloader: {run: (*Interpreter).cmdPluginloader},
		event.KindPuts:         {run: (*Interpreter).cmdPuts},
		event.KindSavehtml:     {run: (*Interpreter).cmdSavehtml},
		event.KindScreenshot:   {run: (*Interpreter).cmdScreenshot},
		event.KindScript:       {run: (*Interpreter).cmdScript, loops: true},
		event.KindTimestamp:    {run: (*Interpreter).cmdTimestamp},
		event.KindVar:          {run: (*Interpreter).cmdVar},
		event.KindWait:         {run: (*Interpreter).cmdWait},
		event.KindWhitelist:    {run: (*Interpreter).cmdWhitelist},
	}
}

// need returns a required action value, substituted.
func (in *Interpreter) need(n *node, name string) (string, error) {
	v, ok := n.ev.Action(name)
	if !ok {
		return "", attrErr("Missing attribute '%s'", name)
	}
	return in.sub(v), nil
}

func (in *Interpreter) cmdPuts(_ context.Context, n *node) error {
	raw, ok := n.ev.Action("txt")
	if !ok {
		raw, ok = n.ev.Action("text")
	}
	if !ok {
		return attrErr("Missing txt or text attribute")
	}
	in.rep.Log(in.sub(raw))
	return nil
}

func (in *Interpreter) cmdVar(_ context.Context, n *node) error {
	name, err := in.need(n, "var")
	if err != nil {
		return err
	}
	if raw, ok := n.ev.Action("set"); ok {
		v := in.sub(raw)
		in.rep.Log(fmt.Sprintf("Setting variable '%s' => '%s'.", name, v))
		in.cx.Vars.Set(name, v)
		return nil
	}
	if n.ev.HasAction("unset") {
		in.rep.Log(fmt.Sprintf("Unsetting variable '%s'.", name))
		in.cx.Vars.Unset(name)
		return nil
	}
	return attrErr("var event needs a set or unset attribute")
}

func (in *Interpreter) cmdTimestamp(_ context.Context, _ *node) error {
	stamp := time.Now().Format("060102_030405")
	in.cx.Vars.Set("stamp", stamp)
	in.rep.Log("Updated 'stamp' to: " + stamp)
	return nil
}

func (in *Interpreter) cmdWait(ctx context.Context, n *node) error {
	secs := 5
	if raw, ok := n.ev.Action("timeout"); ok {
		v, err := strconv.Atoi(strings.TrimSpace(in.sub(raw)))
		if err != nil {
			return attrErr("Specified wait timeout '%s' is not a valid integer", raw)
		}
		if v < 0 {
			in.rep.Warn("wait timeout < 0, using 0")
			v = 0
		}
		secs = v
		in.rep.Log(fmt.Sprintf("Setting timeout to %ds", secs))
	} else {
		if n.ev.HasAction("condition") {
			in.rep.Warn("wait condition attribute is not implemented")
		}
		in.rep.Log(fmt.Sprintf("Using default timeout of %ds", secs))
	}
	for ; secs > 0; secs-- {
		if !in.sleep(ctx, 1) {
			in.rep.Log("wait interrupted")
			return nil
		}
	}
	return nil
}

func (in *Interpreter) cmdWhitelist(_ context.Context, n *node) error {
	act, err := in.need(n, "action")
	if err != nil {
		return err
	}
	name, err := in.need(n, "name")
	if err != nil {
		return err
	}
	switch act {
	case "add":
		content, ok := n.ev.Action("content")
		if !ok {
			return attrErr("Missing attribute 'content'")
		}
		in.rep.Log(fmt.Sprintf("Adding whitelist item '%s' => '%s'", name, content))
		in.cx.Whitelist[name] = content
	case "delete":
		in.rep.Log(fmt.Sprintf("Removing whitelist item '%s'", name))
		delete(in.cx.Whitelist, name)
	default:
		return attrErr("Invalid action '%s'. Valid actions are 'add' and 'delete'.", act)
	}
	return nil
}

func (in *Interpreter) cmdDelete(_ context.Context, n *node) error {
	name, err := in.need(n, "name")
	if err != nil {
		return err
	}
	if _, ok := in.cx.Elements[name]; !ok {
		return failErr("Element with name '%s' does not exist", name)
	}
	delete(in.cx.Elements, name)
	in.rep.Log(fmt.Sprintf("Deleted saved element '%s'", name))
	return nil
}

func (in *Interpreter) saved(n *node, attr string) (backend.Element, error) {
	name, err := in.need(n, attr)
	if err != nil {
		return nil, err
	}
	el, ok := in.cx.Elements[name]
	if !ok {
		return nil, failErr("Element with name '%s' does not exist", name)
	}
	return el, nil
}

func (in *Interpreter) cmdDnD(ctx context.Context, n *node) error {
	src, err := in.saved(n, "src")
	if err != nil {
		return err
	}
	dst, err := in.saved(n, "dst")
	if err != nil {
		return err
	}
	in.rep.Log("Dragging element", "src", n.ev.Actions["src"], "dst", n.ev.Actions["dst"])
	return in.drv.DragAndDrop(ctx, src, dst)
}

func (in *Interpreter) cmdSavehtml(ctx context.Context, n *node) error {
	file, err := in.need(n, "file")
	if err != nil {
		return err
	}
	in.rep.SavePage(ctx, file)
	return nil
}

func (in *Interpreter) cmdScreenshot(ctx context.Context, n *node) error {
	file, err := in.need(n, "file")
	if err != nil {
		return err
	}
	in.rep.Screenshot(ctx, file)
	return nil
}

func (in *Interpreter) cmdJavascript(ctx context.Context, n *node) error {
	var js string
	if c, ok := n.ev.Action("content"); ok {
		js = c
	} else if f, ok := n.ev.Action("file"); ok {
		p := in.path(n.ev, in.sub(f))
		data, err := os.ReadFile(p)
		if err != nil {
			return failErr("Javascript file '%s' could not be read: %v", p, err)
		}
		js = string(data)
	} else {
		return attrErr("Missing either content or file attributes")
	}

	code := "var CONTROL = arguments[0];\n" + in.sub(js)
	var args []backend.Element
	if n.parent != nil {
		args = append(args, n.parent)
	}
	res, err := in.drv.ExecuteScript(ctx, code, args...)
	if err != nil {
		return err
	}
	in.logger.Debug("javascript finished", "result", res)
	return nil
}

func (in *Interpreter) cmdJavaplugin(ctx context.Context, n *node) error {
	name, err := in.need(n, "classname")
	if err != nil {
		return err
	}
	if in.plugins == nil {
		return failErr("no plugin registry for plugin '%s'", name)
	}
	args := make([]string, len(n.ev.Args))
	for i, a := range n.ev.Args {
		args[i] = in.sub(a)
	}
	in.rep.Log("Running plugin " + name)
	return in.plugins.Call(ctx, name, in.drv, n.parent, args)
}

func (in *Interpreter) cmdPluginloader(_ context.Context, n *node) error {
	name, err := in.need(n, "classname")
	if err != nil {
		return err
	}
	file, err := in.need(n, "file")
	if err != nil {
		return err
	}
	if in.plugins == nil {
		return failErr("no plugin registry to load '%s' into", name)
	}
	if err := in.plugins.LoadNamed(name, in.path(n.ev, file)); err != nil {
		return failErr("load plugin %s: %v", name, err)
	}
	in.rep.Log(fmt.Sprintf("Loaded plugin '%s' from '%s'", name, file))
	return nil
}

func (in *Interpreter) cmdExecute(ctx context.Context, n *node) error {
	if len(n.ev.Args) == 0 {
		return attrErr("Missing <arg> children")
	}
	args := make([]string, len(n.ev.Args))
	in.rep.Log("Executing child process...")
	for i, a := range n.ev.Args {
		args[i] = in.sub(a)
		in.rep.Log("  => " + args[i])
	}

	in.heartbeat()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	in.heartbeat()

	in.rep.Log("Child process finished.  Output:")
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		in.rep.Log(sc.Text())
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return failErr("%s exited with status %d", args[0], exit.ExitCode())
	}
	if err != nil {
		return failErr("run %s: %v", args[0], err)
	}
	return nil
}

func (in *Interpreter) cmdScript(ctx context.Context, n *node) error {
	var files []string
	if f, ok := n.ev.Action("file"); ok {
		files = append(files, in.path(n.ev, in.sub(f)))
	} else if d, ok := n.ev.Action("fileset"); ok {
		dir := in.path(n.ev, in.sub(d))
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return attrErr("Specified fileset '%s' must be a directory", dir)
		}
		matches, err := filepath.Glob(filepath.Join(dir, "*"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if strings.EqualFold(filepath.Ext(m), ".xml") {
				files = append(files, m)
			}
		}
		slices.Sort(files)
	} else {
		return attrErr("Missing file or fileset attributes")
	}

	for _, f := range files {
		if in.Stopped(ctx) {
			return nil
		}
		if err := in.runScript(ctx, n, f); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) runScript(ctx context.Context, n *node, file string) error {
	if _, err := os.Stat(file); err != nil {
		return failErr("Script to run '%s' does not exist", file)
	}
	events, err := in.load(file)
	if err != nil {
		return failErr("load script %s: %v", file, err)
	}
	in.rep.Log("Running script " + file)
	return in.cx.Vars.Scoped(func() error {
		in.Process(ctx, events, n.parent)
		return nil
	})
}

// cmdCSV runs the children once per data row of a CSV file, with the row's
// fields bound as prefix.column in a fresh variable scope.
func (in *Interpreter) cmdCSV(ctx context.Context, n *node) error {
	if raw, ok := n.ev.Action("override"); ok {
		in.cx.CSVOverride = in.sub(raw)
		in.rep.Log("Setting CSV override to " + in.cx.CSVOverride)
		return errStop
	}

	var file string
	switch raw, ok := n.ev.Action("file"); {
	case in.cx.CSVOverride != "":
		file = in.cx.CSVOverride
		in.cx.CSVOverride = ""
		in.rep.Log("Using CSV override file " + file)
	case ok:
		file = in.path(n.ev, in.sub(raw))
	default:
		return attrErr("Missing file attribute (and no override specified)")
	}
	prefix := ""
	if p, ok := n.ev.Action("var"); ok {
		prefix = in.sub(p) + "."
	}

	f, err := os.Open(file)
	if err != nil {
		return failErr("open csv: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	keys, err := r.Read()
	if err == io.EOF {
		return failErr("CSV file %s empty", file)
	}
	if err != nil {
		return failErr("read csv %s: %v", file, err)
	}

	return in.cx.Vars.Scoped(func() error {
		for line := 1; ; line++ {
			if in.Stopped(ctx) {
				return nil
			}
			row, err := r.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return failErr("read csv %s: %v", file, err)
			}
			if len(row) != len(keys) {
				in.rep.Error(fmt.Sprintf("Number of elements on line %d differs from key count. Skipping.", line))
				return nil
			}
			for i, k := range keys {
				name, val := prefix+k, row[i]
				if h, ok := in.cx.Vars.Hijack(name); ok {
					val = h
					in.rep.Log(fmt.Sprintf("Hijacking variable: '%s' => '%s'.", name, val))
				}
				in.cx.Vars.Set(name, val)
			}
			in.Process(ctx, n.ev.Children, n.parent)
		}
	})
}
