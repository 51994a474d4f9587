package static

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"voodoo-go/internal/backend"
)

const formPage = `<html><head><title>Form Page</title></head><body>
<h1 id="hdr">Welcome  to
  voodoo</h1>
<form action="/submit" method="get">
  <input id="text1" name="q" value="old">
  <input id="cb" type="checkbox" name="cb" value="yes">
  <input id="r1" type="radio" name="r" value="1" checked>
  <input id="r2" type="radio" name="r" value="2">
  <select id="sel" name="s">
    <option value="a">Alpha</option>
    <option value="b" selected>Beta</option>
  </select>
  <textarea id="ta">hello</textarea>
  <input id="dis" disabled>
  <button id="go">Go</button>
</form>
<a id="next" href="/next">Next page</a>
<a id="pop" href="/popup" target="_blank">Open popup</a>
<div class="box big"><span>inner</span></div>
<button id="warn" type="button" onclick="alert('careful')">Warn</button>
<iframe id="frm" name="frm" src="/frame"></iframe>
</body></html>`

const plainSelectPage = `<html><body>
<select id="single"><option>Alpha</option><option>Beta</option></select>
<select id="multi" multiple><option>Alpha</option><option>Beta</option></select>
</body></html>`

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	d := New(logger, WithPages(map[string]string{
		"http://test/form":                 formPage,
		"http://test/next":                 `<html><head><title>Next</title></head><body><p>second</p></body></html>`,
		"http://test/popup":                `<html><head><title>Popup</title></head><body>popup body</body></html>`,
		"http://test/frame":                `<html><body><span id="inframe">framed</span></body></html>`,
		"http://test/plain":                plainSelectPage,
		"http://test/submit?q=old&r=1&s=b": `<html><body>submitted</body></html>`,
	}))
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Navigate(ctx, "http://test/form"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func findOne(t *testing.T, d *Driver, by backend.By, value string) backend.Element {
	t.Helper()
	els, err := d.FindElements(context.Background(), by, value, nil)
	if err != nil {
		t.Fatalf("find %v %q: %v", by, value, err)
	}
	if len(els) != 1 {
		t.Fatalf("find %v %q: got %d elements, want 1", by, value, len(els))
	}
	return els[0]
}

func TestFindElements(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	tests := []struct {
		by    backend.By
		value string
		want  int
	}{
		{backend.ByID, "text1", 1},
		{backend.ByCSS, "form input", 5},
		{backend.ByClass, "box", 1},
		{backend.ByName, "r", 2},
		{backend.ByTagName, "a", 2},
		{backend.ByLinkText, "Next page", 1},
		{backend.ByPartialLinkText, "page", 1},
		{backend.ByXPath, "//option", 2},
		{backend.ByID, "missing", 0},
	}
	for _, tt := range tests {
		els, err := d.FindElements(ctx, tt.by, tt.value, nil)
		if err != nil {
			t.Errorf("find %v %q: %v", tt.by, tt.value, err)
			continue
		}
		if len(els) != tt.want {
			t.Errorf("find %v %q = %d, want %d", tt.by, tt.value, len(els), tt.want)
		}
	}
}

func TestFindWithinParent(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	box := findOne(t, d, backend.ByClass, "box")

	els, err := d.FindElements(ctx, backend.ByTagName, "span", box)
	if err != nil || len(els) != 1 {
		t.Fatalf("span in box = %d, %v", len(els), err)
	}
	els, _ = d.FindElements(ctx, backend.ByTagName, "input", box)
	if len(els) != 0 {
		t.Errorf("inputs in box = %d, want 0", len(els))
	}
}

func TestTextAndAttributes(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	if txt, _ := d.Text(ctx, findOne(t, d, backend.ByID, "hdr")); txt != "Welcome to voodoo" {
		t.Errorf("text = %q", txt)
	}
	text1 := findOne(t, d, backend.ByID, "text1")
	if typ, _ := d.Attribute(ctx, text1, "type"); typ != "text" {
		t.Errorf("default input type = %q, want text", typ)
	}
	if v, _ := d.Attribute(ctx, findOne(t, d, backend.ByID, "sel"), "value"); v != "b" {
		t.Errorf("select value = %q, want b", v)
	}
	if v, _ := d.Attribute(ctx, findOne(t, d, backend.ByID, "ta"), "value"); v != "hello" {
		t.Errorf("textarea value = %q, want hello", v)
	}
	if typ, _ := d.Attribute(ctx, findOne(t, d, backend.ByID, "go"), "type"); typ != "submit" {
		t.Errorf("button type = %q, want submit", typ)
	}
	if en, _ := d.IsEnabled(ctx, findOne(t, d, backend.ByID, "dis")); en {
		t.Error("disabled input reported enabled")
	}
	if title, _ := d.Title(ctx); title != "Form Page" {
		t.Errorf("title = %q", title)
	}
}

func TestClearAndSendKeys(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	el := findOne(t, d, backend.ByID, "text1")

	if err := d.Clear(ctx, el); err != nil {
		t.Fatal(err)
	}
	if err := d.SendKeys(ctx, el, "voo"); err != nil {
		t.Fatal(err)
	}
	if err := d.SendKeys(ctx, el, "doo"); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Attribute(ctx, el, "value"); v != "voodoo" {
		t.Errorf("value = %q, want voodoo", v)
	}
	if err := d.SendKeys(ctx, findOne(t, d, backend.ByID, "dis"), "x"); err == nil {
		t.Error("send keys to disabled input succeeded")
	}
}

func TestToggleControls(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	cb := findOne(t, d, backend.ByID, "cb")
	_ = d.Click(ctx, cb)
	if sel, _ := d.IsSelected(ctx, cb); !sel {
		t.Error("checkbox not checked after click")
	}
	_ = d.Click(ctx, cb)
	if sel, _ := d.IsSelected(ctx, cb); sel {
		t.Error("checkbox still checked after second click")
	}

	r1 := findOne(t, d, backend.ByID, "r1")
	r2 := findOne(t, d, backend.ByID, "r2")
	_ = d.Click(ctx, r2)
	s1, _ := d.IsSelected(ctx, r1)
	s2, _ := d.IsSelected(ctx, r2)
	if s1 || !s2 {
		t.Errorf("radios r1=%v r2=%v, want false true", s1, s2)
	}

	opts, _ := d.FindElements(ctx, backend.ByTagName, "option", findOne(t, d, backend.ByID, "sel"))
	if err := d.SetSelected(ctx, opts[0], true); err != nil {
		t.Fatal(err)
	}
	if s, _ := d.IsSelected(ctx, opts[1]); s {
		t.Error("single select kept previous option selected")
	}
}

func TestSingleSelectDefaultsToFirstOption(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	if err := d.Navigate(ctx, "http://test/plain"); err != nil {
		t.Fatal(err)
	}

	single := findOne(t, d, backend.ByID, "single")
	opts, _ := d.FindElements(ctx, backend.ByTagName, "option", single)
	s0, _ := d.IsSelected(ctx, opts[0])
	s1, _ := d.IsSelected(ctx, opts[1])
	if !s0 || s1 {
		t.Errorf("selected = %v %v, want true false", s0, s1)
	}
	if v, _ := d.Attribute(ctx, single, "value"); v != "Alpha" {
		t.Errorf("value = %q, want Alpha", v)
	}

	if err := d.SetSelected(ctx, opts[1], true); err != nil {
		t.Fatal(err)
	}
	s0, _ = d.IsSelected(ctx, opts[0])
	s1, _ = d.IsSelected(ctx, opts[1])
	if s0 || !s1 {
		t.Errorf("after selecting Beta = %v %v, want false true", s0, s1)
	}

	multi := findOne(t, d, backend.ByID, "multi")
	mopts, _ := d.FindElements(ctx, backend.ByTagName, "option", multi)
	if s, _ := d.IsSelected(ctx, mopts[0]); s {
		t.Error("multiple select reports a default option")
	}
	got, err := d.ExecuteScript(ctx, "return document.querySelectorAll('#single option')[1].selected")
	if err != nil {
		t.Fatal(err)
	}
	if got != true {
		t.Errorf("script selected = %v, want true", got)
	}
}

func TestNavigationAndStaleElements(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	link := findOne(t, d, backend.ByID, "next")

	if err := d.Click(ctx, link); err != nil {
		t.Fatal(err)
	}
	if url, _ := d.CurrentURL(ctx); url != "http://test/next" {
		t.Errorf("url = %q, want http://test/next", url)
	}
	if _, err := d.Text(ctx, link); !errors.Is(err, backend.ErrStaleElement) {
		t.Errorf("err = %v, want ErrStaleElement", err)
	}
	if err := d.History(ctx, backend.NavBack); err != nil {
		t.Fatal(err)
	}
	if title, _ := d.Title(ctx); title != "Form Page" {
		t.Errorf("title after back = %q", title)
	}
	if err := d.History(ctx, backend.NavForward); err != nil {
		t.Fatal(err)
	}
	if title, _ := d.Title(ctx); title != "Next" {
		t.Errorf("title after forward = %q", title)
	}
}

func TestFormSubmit(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	if err := d.Click(ctx, findOne(t, d, backend.ByID, "go")); err != nil {
		t.Fatal(err)
	}
	if txt, _ := d.PageText(ctx); txt != "submitted" {
		t.Errorf("page text = %q, want submitted", txt)
	}
}

func TestWindows(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	parent, _ := d.CurrentWindow(ctx)

	if err := d.Click(ctx, findOne(t, d, backend.ByID, "pop")); err != nil {
		t.Fatal(err)
	}
	handles, _ := d.WindowHandles(ctx)
	if len(handles) != 2 {
		t.Fatalf("handles = %v, want 2", handles)
	}
	if title, _ := d.Title(ctx); title != "Popup" {
		t.Errorf("title = %q, want Popup", title)
	}
	if err := d.History(ctx, backend.NavClose); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Title(ctx); !errors.Is(err, backend.ErrNoSuchWindow) {
		t.Errorf("err = %v, want ErrNoSuchWindow", err)
	}
	if err := d.SwitchToWindow(ctx, parent); err != nil {
		t.Fatal(err)
	}
	if err := d.SwitchToWindow(ctx, "nope"); !errors.Is(err, backend.ErrNoSuchWindow) {
		t.Errorf("err = %v, want ErrNoSuchWindow", err)
	}
}

func TestFrames(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	if err := d.SwitchToFrame(ctx, backend.FrameRef{Name: "frm"}); err != nil {
		t.Fatal(err)
	}
	findOne(t, d, backend.ByID, "inframe")
	if err := d.SwitchToDefaultContent(ctx); err != nil {
		t.Fatal(err)
	}
	findOne(t, d, backend.ByID, "text1")
	if err := d.SwitchToFrame(ctx, backend.FrameRef{Index: 3}); !errors.Is(err, backend.ErrNoSuchFrame) {
		t.Errorf("err = %v, want ErrNoSuchFrame", err)
	}
}

func TestAlerts(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	if _, err := d.AlertText(ctx); !errors.Is(err, backend.ErrNoAlert) {
		t.Fatalf("err = %v, want ErrNoAlert", err)
	}
	if err := d.Click(ctx, findOne(t, d, backend.ByID, "warn")); err != nil {
		t.Fatal(err)
	}
	if txt, err := d.AlertText(ctx); err != nil || txt != "careful" {
		t.Errorf("alert = %q, %v", txt, err)
	}
	if err := d.HandleAlert(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleAlert(ctx, true); !errors.Is(err, backend.ErrNoAlert) {
		t.Errorf("err = %v, want ErrNoAlert", err)
	}
}

func TestExecuteScript(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	el := findOne(t, d, backend.ByID, "text1")

	v, err := d.ExecuteScript(ctx, `var CONTROL = arguments[0]; CONTROL.value = "js"; return CONTROL.tagName;`, el)
	if err != nil {
		t.Fatal(err)
	}
	if v != "INPUT" {
		t.Errorf("result = %v, want INPUT", v)
	}
	if val, _ := d.Attribute(ctx, el, "value"); val != "js" {
		t.Errorf("value = %q, want js", val)
	}

	v, err = d.ExecuteScript(ctx, `return document.getElementById("sel").value + document.title;`)
	if err != nil {
		t.Fatal(err)
	}
	if v != "bForm Page" {
		t.Errorf("result = %v", v)
	}

	if _, err := d.ExecuteScript(ctx, `throw new Error("bad")`); err == nil {
		t.Error("script error not reported")
	}
}

func TestKillClosesSession(t *testing.T) {
	d := newTestDriver(t)
	el := findOne(t, d, backend.ByID, "text1")
	if err := d.Kill(); err != nil {
		t.Fatal(err)
	}
	if d.IsOpen() {
		t.Error("driver open after kill")
	}
	if _, err := d.Text(context.Background(), el); !errors.Is(err, backend.ErrStaleElement) {
		t.Errorf("err = %v, want ErrStaleElement", err)
	}
	if _, err := d.Title(context.Background()); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestFileFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.html")
	if err := os.WriteFile(path, []byte(`<title>File</title>`), 0o644); err != nil {
		t.Fatal(err)
	}
	d := New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Navigate(ctx, "file://"+path); err != nil {
		t.Fatal(err)
	}
	if title, _ := d.Title(ctx); title != "File" {
		t.Errorf("title = %q, want File", title)
	}
}
