package interp

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/backend/backendtest"
	"voodoo-go/internal/backend/static"
	"voodoo-go/internal/event"
	"voodoo-go/internal/locator"
	"voodoo-go/internal/plugin"
	"voodoo-go/internal/report"
)

const testPage = `<html><head><title>Test Page</title></head><body>
<p id="greet">Hello voodoo</p>
<input id="text1" value="old">
<input id="cb" type="checkbox" checked>
<select id="sel">
  <option value="a">Alpha</option>
  <option value="b" selected>Beta</option>
</select>
<a id="pop" href="/popup" target="_blank">Open popup</a>
</body></html>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// syncBuffer is a bytes.Buffer safe for the reporter's concurrent writes.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type harness struct {
	in  *Interpreter
	drv backend.Driver
	rep *report.Reporter
	log *syncBuffer
}

func newHarness(t *testing.T, drv backend.Driver, plugins *plugin.Registry) *harness {
	t.Helper()
	buf := &syncBuffer{}
	rep, err := report.New(slog.New(slog.NewTextHandler(buf, nil)), "scenario.xml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rep.Close() })
	in := New(Config{
		Driver:         drv,
		Reporter:       rep,
		Plugins:        plugins,
		Tick:           time.Millisecond,
		LocatorOptions: []locator.Option{locator.WithTimeout(0), locator.WithPoll(time.Millisecond)},
	}, quietLogger())
	return &harness{in: in, drv: drv, rep: rep, log: buf}
}

func newStaticHarness(t *testing.T, plugins *plugin.Registry) *harness {
	t.Helper()
	d := static.New(quietLogger(), static.WithPages(map[string]string{
		"http://test/page":  testPage,
		"http://test/popup": `<html><head><title>Popup</title></head><body>popup body</body></html>`,
		"http://test/plain": `<html><body><select id="s"><option>Alpha</option><option>Beta</option></select></body></html>`,
	}))
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Navigate(ctx, "http://test/page"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return newHarness(t, d, plugins)
}

func parse(t *testing.T, src string) []*event.Event {
	t.Helper()
	events, err := event.Parse(strings.NewReader(src), "scenario.xml")
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func (h *harness) attr(t *testing.T, id, name string) string {
	t.Helper()
	ctx := context.Background()
	els, err := h.drv.FindElements(ctx, backend.ByID, id, nil)
	if err != nil || len(els) != 1 {
		t.Fatalf("find %s: %v, %d elements", id, err, len(els))
	}
	v, err := h.drv.Attribute(ctx, els[0], name)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestTextfieldClearAndSet(t *testing.T) {
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo><textfield id="text1" clear="true" set="voodoo"/></voodoo>`)
	if out := h.in.Node(context.Background(), events[0], nil); out != Continue {
		t.Fatalf("outcome = %v, want continue", out)
	}
	if v := h.attr(t, "text1", "value"); v != "voodoo" {
		t.Errorf("value = %q, want voodoo", v)
	}
	if res := h.rep.Results(); res.Result != report.ResultPass {
		t.Errorf("result = %+v", res)
	}
}

func TestCSVRunsChildrenPerRow(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(data, []byte("name,val\na,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo><csv file="`+data+`" var="p"><puts txt="{@p.name}-{@p.val}"/></csv></voodoo>`)

	h.in.Process(context.Background(), events, nil)

	if n := strings.Count(h.log.String(), "msg=a-1 "); n != 1 {
		t.Errorf("a-1 logged %d times, want 1:\n%s", n, h.log)
	}
	if d := h.in.Context().Vars.Depth(); d != 1 {
		t.Errorf("scope depth = %d after csv, want 1", d)
	}
	if h.in.Context().Vars.Has("p.name") {
		t.Error("csv variable leaked out of its scope")
	}
}

func TestCSVHijackAndBadRow(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.csv")
	os.WriteFile(data, []byte("name\nx\ny,extra\nz\n"), 0o644)

	h := newStaticHarness(t, nil)
	h.in.Context().Vars.SetHijack("p.name", "hijacked")
	events := parse(t, `<voodoo><csv file="`+data+`" var="p"><puts txt="row {@p.name}"/></csv></voodoo>`)
	h.in.Process(context.Background(), events, nil)

	out := h.log.String()
	if n := strings.Count(out, `msg="row hijacked"`); n != 1 {
		t.Errorf("rows run = %d, want 1 (loop halts on bad row):\n%s", n, out)
	}
	if res := h.rep.Results(); res.Errors != 1 {
		t.Errorf("errors = %d, want 1", res.Errors)
	}
}

func TestRequiredElementMissing(t *testing.T) {
	fake := &backendtest.Fake{Open_: true, Window: "w1"}
	h := newHarness(t, fake, nil)
	events := parse(t, `<voodoo><select id="missing" required="true" set="Beta" assert="Beta"/></voodoo>`)

	if out := h.in.Node(context.Background(), events[0], nil); out != Fail {
		t.Errorf("outcome = %v, want fail", out)
	}
	if res := h.rep.Results(); res.Errors != 1 {
		t.Errorf("errors = %d, want 1", res.Errors)
	}
	if n, finds := len(fake.Calls), fake.CallCount("find"); n != finds {
		t.Errorf("calls = %v, want only lookups", fake.Calls)
	}
}

func TestStopSkipsChildrenNotSiblings(t *testing.T) {
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo>
  <csv override="other.csv"><puts txt="csv child"/></csv>
  <attach title="No Such Window"><puts txt="attach child"/></attach>
  <puts txt="sibling"/>
</voodoo>`)
	ctx := context.Background()

	if out := h.in.Node(ctx, events[0], nil); out != Stop {
		t.Errorf("csv override outcome = %v, want stop", out)
	}
	if got := h.in.Context().CSVOverride; got != "other.csv" {
		t.Errorf("CSVOverride = %q", got)
	}
	if out := h.in.Node(ctx, events[1], nil); out != Stop {
		t.Errorf("failed attach outcome = %v, want stop", out)
	}
	if out := h.in.Node(ctx, events[2], nil); out != Continue {
		t.Errorf("sibling outcome = %v, want continue", out)
	}

	out := h.log.String()
	for _, skipped := range []string{"csv child", "attach child", "Switching back to window handle"} {
		if strings.Contains(out, skipped) {
			t.Errorf("log contains %q", skipped)
		}
	}
	if !strings.Contains(out, "msg=sibling") {
		t.Errorf("sibling did not run:\n%s", out)
	}
}

func TestInteractiveActionOrder(t *testing.T) {
	names := pipelines[event.ClassInteractive].Names()
	idx := func(s string) int { return slices.Index(names, s) }
	if !(idx("clear") < idx("set") && idx("set") < idx("append") && idx("append") < idx("var")) {
		t.Errorf("interactive actions = %v", names)
	}

	el := &backendtest.Elem{Tag: "input", Attrs: map[string]string{"type": "text", "value": "old"}}
	fake := &backendtest.Fake{Open_: true, Window: "w1", FindFunc: func(backend.By, string, backend.Element) ([]backend.Element, error) {
		return []backend.Element{el}, nil
	}}
	h := newHarness(t, fake, nil)
	events := parse(t, `<voodoo><textfield id="t" set="new" clear="true" append="er"/></voodoo>`)
	h.in.Node(context.Background(), events[0], nil)

	var acts []string
	for _, c := range fake.Calls {
		if !strings.HasPrefix(c, "find") {
			acts = append(acts, c)
		}
	}
	want := []string{"clear", "clear", "sendkeys new", "sendkeys er"}
	if !slices.Equal(acts, want) {
		t.Errorf("calls = %v, want %v", acts, want)
	}
	if el.Attrs["value"] != "newer" {
		t.Errorf("value = %q, want newer", el.Attrs["value"])
	}
}

func TestSelectPipelineShape(t *testing.T) {
	names := pipelines[event.ClassSelect].Names()
	if names[0] != storeSelect {
		t.Errorf("first select action = %q", names[0])
	}
	for _, n := range []string{"setreal", "multiselect", "assertselected", "included", "notincluded"} {
		if !slices.Contains(names, n) {
			t.Errorf("select actions missing %q: %v", n, names)
		}
	}
	if slices.Contains(pipelines[event.ClassSimple].Names(), "set") {
		t.Error("simple kinds have a set action")
	}
	link := pipelines[event.ClassLink].Names()
	if link[0] != "disabled" || slices.Index(link, "alert") != slices.Index(link, "click")-1 {
		t.Errorf("link actions = %v", link)
	}
}

func TestSelectSetAndVar(t *testing.T) {
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo>
  <select id="sel" set="Alpha" var="picked" assert="Alpha" assertnot="Beta"/>
  <select id="sel" set="Gamma"/>
</voodoo>`)
	ctx := context.Background()
	if out := h.in.Node(ctx, events[0], nil); out != Continue {
		t.Fatalf("outcome = %v", out)
	}
	if v, _ := h.in.Context().Vars.Get("picked"); v != "Alpha" {
		t.Errorf("picked = %q, want Alpha", v)
	}
	res := h.rep.Results()
	if res.PassedAsserts != 2 || res.FailedAsserts != 0 {
		t.Errorf("asserts = %d passed / %d failed", res.PassedAsserts, res.FailedAsserts)
	}

	if out := h.in.Node(ctx, events[1], nil); out != Fail {
		t.Errorf("missing option outcome = %v, want fail", out)
	}
	if res := h.rep.Results(); res.Errors != 1 {
		t.Errorf("errors = %d, want 1", res.Errors)
	}
}

func TestSelectDefaultsToFirstOption(t *testing.T) {
	h := newStaticHarness(t, nil)
	ctx := context.Background()
	if err := h.drv.Navigate(ctx, "http://test/plain"); err != nil {
		t.Fatal(err)
	}
	events := parse(t, `<voodoo>
  <select id="s" assert="Alpha" assertnot="Beta" var="v"/>
  <puts txt="got={@v}"/>
</voodoo>`)
	h.in.Process(ctx, events, nil)

	if v, _ := h.in.Context().Vars.Get("v"); v != "Alpha" {
		t.Errorf("v = %q, want Alpha", v)
	}
	if res := h.rep.Results(); res.PassedAsserts != 2 || res.FailedAsserts != 0 {
		t.Errorf("asserts = %d passed / %d failed, want 2 / 0", res.PassedAsserts, res.FailedAsserts)
	}
	if !strings.Contains(h.log.String(), "got=Alpha") {
		t.Errorf("log missing got=Alpha:\n%s", h.log.String())
	}
}

func TestStaleSelectStopsEvent(t *testing.T) {
	for _, act := range []string{`set="Beta"`, `setreal="b"`} {
		t.Run(act, func(t *testing.T) {
			sel := &backendtest.Elem{Tag: "select", Attrs: map[string]string{}}
			alpha := &backendtest.Elem{Tag: "option", Attrs: map[string]string{"value": "a"}, Text: "Alpha", Selected: true}
			beta := &backendtest.Elem{Tag: "option", Attrs: map[string]string{"value": "b"}, Text: "Beta"}
			fake := &backendtest.Fake{Open_: true, Window: "w1",
				FindFunc: func(by backend.By, value string, _ backend.Element) ([]backend.Element, error) {
					if by == backend.ByTagName && value == "option" {
						return []backend.Element{alpha, beta}, nil
					}
					return []backend.Element{sel}, nil
				},
				// The change handler reloads the page.
				SelectFunc: func(*backendtest.Elem, bool) error {
					sel.Stale, alpha.Stale, beta.Stale = true, true, true
					return backend.ErrStaleElement
				},
			}
			h := newHarness(t, fake, nil)
			events := parse(t, `<voodoo>
  <select id="s" `+act+` var="v" assert="Beta"><puts txt="child"/></select>
  <puts txt="sibling"/>
</voodoo>`)
			ctx := context.Background()

			if out := h.in.Node(ctx, events[0], nil); out != Stop {
				t.Errorf("outcome = %v, want stop", out)
			}
			if h.in.Context().Vars.Has("v") {
				t.Error("var ran after the page reloaded")
			}
			res := h.rep.Results()
			if res.Errors != 0 || res.Exceptions != 0 {
				t.Errorf("errors = %d, exceptions = %d, want 0", res.Errors, res.Exceptions)
			}
			if res.PassedAsserts+res.FailedAsserts != 0 {
				t.Errorf("assert ran after the page reloaded: %+v", res)
			}
			if out := h.in.Node(ctx, events[1], nil); out != Continue {
				t.Errorf("sibling outcome = %v, want continue", out)
			}

			out := h.log.String()
			if strings.Contains(out, "msg=child") {
				t.Errorf("child ran:\n%s", out)
			}
			if !strings.Contains(out, "Page refreshed") || !strings.Contains(out, "msg=sibling") {
				t.Errorf("log = %s", out)
			}
		})
	}
}

func TestCheckboxSetMatchesState(t *testing.T) {
	el := &backendtest.Elem{Tag: "input", Attrs: map[string]string{"type": "checkbox"}, Selected: true}
	fake := &backendtest.Fake{Open_: true, Window: "w1", FindFunc: func(backend.By, string, backend.Element) ([]backend.Element, error) {
		return []backend.Element{el}, nil
	}}
	h := newHarness(t, fake, nil)
	events := parse(t, `<voodoo><checkbox id="cb" set="true" var="state"/><checkbox id="cb" set="false"/></voodoo>`)
	ctx := context.Background()

	h.in.Node(ctx, events[0], nil)
	if n := fake.CallCount("click"); n != 0 {
		t.Errorf("clicks = %d for already checked box", n)
	}
	if v, _ := h.in.Context().Vars.Get("state"); v != "true" {
		t.Errorf("state = %q, want true", v)
	}
	h.in.Node(ctx, events[1], nil)
	if n := fake.CallCount("click"); n != 1 || el.Selected {
		t.Errorf("clicks = %d, selected = %v", n, el.Selected)
	}
}

type countTarget struct {
	mu    sync.Mutex
	calls []string
	name  string
}

func (c *countTarget) Run(_ context.Context, call plugin.Call) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, c.name)
	return 0, nil
}

func (c *countTarget) String() string { return c.name }

func (c *countTarget) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestLinkClickFiresHooks(t *testing.T) {
	reg := plugin.NewRegistry(quietLogger())
	before := &countTarget{name: "before"}
	after := &countTarget{name: "after"}
	every := &countTarget{name: "every"}
	reg.Add(
		&plugin.Plugin{Kinds: []event.Kind{event.KindLink}, Points: []plugin.Point{plugin.BeforeClick}, Target: before},
		&plugin.Plugin{Kinds: []event.Kind{event.KindLink}, Points: []plugin.Point{plugin.AfterClick}, Target: after},
		&plugin.Plugin{Kinds: []event.Kind{event.KindLink, event.KindPuts}, Points: []plugin.Point{plugin.AfterEvent}, Target: every},
	)
	h := newStaticHarness(t, reg)
	events := parse(t, `<voodoo><link id="pop" save="popup-link"/><puts txt="x"/></voodoo>`)
	h.in.Run(context.Background(), events)

	if before.count() != 1 || after.count() != 1 {
		t.Errorf("click hooks = %d/%d, want 1/1", before.count(), after.count())
	}
	if every.count() != 2 {
		t.Errorf("after event hooks = %d, want 2", every.count())
	}
	handles, _ := h.drv.WindowHandles(context.Background())
	if len(handles) != 2 {
		t.Errorf("windows = %d after default click, want 2", len(handles))
	}
	if _, ok := h.in.Context().Elements["popup-link"]; !ok {
		t.Error("link not saved")
	}
}

func TestAttachRunsChildrenInWindow(t *testing.T) {
	h := newStaticHarness(t, nil)
	ctx := context.Background()
	parent, _ := h.drv.CurrentWindow(ctx)
	links, _ := h.drv.FindElements(ctx, backend.ByID, "pop", nil)
	if err := h.drv.Click(ctx, links[0]); err != nil {
		t.Fatal(err)
	}
	if err := h.drv.SwitchToWindow(ctx, parent); err != nil {
		t.Fatal(err)
	}

	events := parse(t, `<voodoo>
  <attach title="Pop.p"><browser assert="popup body"/></attach>
  <p id="greet" assert="Hello"/>
</voodoo>`)
	h.in.Run(ctx, events)

	res := h.rep.Results()
	if res.PassedAsserts != 2 || res.Errors != 0 || res.Exceptions != 0 {
		t.Errorf("results = %+v\n%s", res, h.log)
	}
	if !strings.Contains(h.log.String(), "Switching back to window handle") {
		t.Error("parent window not restored")
	}
	if w, _ := h.drv.CurrentWindow(ctx); w != parent {
		t.Errorf("current window = %q, want %q", w, parent)
	}
}

func TestWaitAndStop(t *testing.T) {
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo><wait timeout="-3"/><wait timeout="soon"/><puts txt="after"/></voodoo>`)
	ctx := context.Background()
	if out := h.in.Node(ctx, events[0], nil); out != Continue {
		t.Errorf("negative wait outcome = %v", out)
	}
	if out := h.in.Node(ctx, events[1], nil); out != Fail {
		t.Errorf("non-integer wait outcome = %v, want fail", out)
	}
	res := h.rep.Results()
	if res.Warnings != 1 || res.Errors != 1 {
		t.Errorf("warnings/errors = %d/%d, want 1/1", res.Warnings, res.Errors)
	}

	h.in.RequestStop()
	if out := h.in.Node(ctx, events[2], nil); out != Stop {
		t.Errorf("outcome after stop = %v, want stop", out)
	}
	if strings.Contains(h.log.String(), "msg=after") {
		t.Error("node ran after stop")
	}
}

func TestVarWhitelistAndStore(t *testing.T) {
	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo>
  <var var="who" set="world"/>
  <puts txt="hello {@who}"/>
  <var var="who" unset="true"/>
  <whitelist name="w" action="add" content="/Fatal.*/"/>
  <p id="greet" save="g"/>
  <p id="greet" save="g"/>
  <delete name="g"/>
  <delete name="g"/>
</voodoo>`)
	h.in.Process(context.Background(), events, nil)

	cx := h.in.Context()
	if cx.Vars.Has("who") {
		t.Error("who still set")
	}
	if !strings.Contains(h.log.String(), `msg="hello world"`) {
		t.Errorf("substitution missing:\n%s", h.log)
	}
	if cx.Whitelist["w"] != "/Fatal.*/" {
		t.Errorf("whitelist = %v", cx.Whitelist)
	}
	if len(cx.Elements) != 0 {
		t.Errorf("elements = %v", cx.Elements)
	}
	res := h.rep.Results()
	if res.Warnings != 1 || res.Errors != 1 {
		t.Errorf("warnings/errors = %d/%d, want 1 clobber / 1 missing delete", res.Warnings, res.Errors)
	}
}

func TestScriptEvent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.xml"), []byte(`<voodoo><puts txt="from b {@x}"/></voodoo>`), 0o644)
	os.WriteFile(filepath.Join(dir, "a.xml"), []byte(`<voodoo><var var="x" set="1"/><puts txt="from a {@x}"/></voodoo>`), 0o644)

	h := newStaticHarness(t, nil)
	events := parse(t, `<voodoo><script fileset="`+dir+`"/></voodoo>`)
	h.in.Process(context.Background(), events, nil)

	out := h.log.String()
	a := strings.Index(out, `msg="from a 1"`)
	b := strings.Index(out, `msg="from b {@x}"`)
	if a < 0 || b < 0 || b < a {
		t.Errorf("script order or scoping wrong:\n%s", out)
	}
}

func TestPanicIsException(t *testing.T) {
	fake := &backendtest.Fake{Open_: true, Window: "w1", FindFunc: func(backend.By, string, backend.Element) ([]backend.Element, error) {
		panic("driver exploded")
	}}
	h := newHarness(t, fake, nil)
	events := parse(t, `<voodoo><div id="x"/><puts txt="next"/></voodoo>`)
	h.in.Process(context.Background(), events, nil)
	if res := h.rep.Results(); res.Exceptions != 1 {
		t.Errorf("exceptions = %d, want 1", res.Exceptions)
	}
	if !strings.Contains(h.log.String(), "msg=next") {
		t.Error("sibling after panic did not run")
	}
}
