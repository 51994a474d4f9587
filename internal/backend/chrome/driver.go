// Package chrome drives a real Chromium over the DevTools protocol.
//
// Element handles are indexes into a registry kept on the top-level window
// of the current tab. A navigation replaces the window, so every handle
// issued before it becomes stale.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"voodoo-go/internal/backend"
)

// Option configures a Driver.
type Option func(*Driver)

// WithExecPath sets the browser binary. Empty uses chromedp's lookup.
func WithExecPath(path string) Option {
	return func(d *Driver) { d.execPath = path }
}

// WithRemote attaches to an already running browser's DevTools websocket
// instead of launching one.
func WithRemote(url string) Option {
	return func(d *Driver) { d.remoteURL = url }
}

// WithHeadless toggles headless mode.
func WithHeadless(on bool) Option {
	return func(d *Driver) { d.headless = on }
}

// WithProfile runs the browser with dir as its user data directory.
func WithProfile(dir string) Option {
	return func(d *Driver) { d.profile = dir }
}

// WithWindowSize sets the initial viewport.
func WithWindowSize(w, h int) Option {
	return func(d *Driver) { d.width, d.height = w, h }
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type handle struct {
	token string
	index int
}

// Driver implements backend.Driver on chromedp.
type Driver struct {
	execPath  string
	remoteURL string
	profile   string
	headless  bool
	width     int
	height    int
	logger    *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[string]tab
	current       string
	frames        []any

	dialogMu sync.Mutex
	dialog   *string
}

var _ backend.Driver = (*Driver)(nil)

func New(logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{
		headless: true,
		width:    1280,
		height:   1024,
		logger:   logger.With("component", "chrome"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// dialogShim replaces the blocking dialog functions so a script that raises
// an alert returns immediately; the message is kept for AlertText.
const dialogShim = `(function(){
var rec = function(m){ var t = window.top;
  t.__vdd = t.__vdd || {token: String(Math.random()).slice(2), els: [], alert: null};
  if (t.__vdd.alert === null) { t.__vdd.alert = String(m); } };
window.alert = function(m){ rec(m); };
window.confirm = function(m){ rec(m); return true; };
window.prompt = function(m){ rec(m); return ""; };
})();`

// prelude is evaluated ahead of every script. %s is the frame path.
const prelude = `
var __v = (function(){ var t = window.top;
  if (!t.__vdd) { t.__vdd = {token: String(Math.random()).slice(2), els: [], alert: null}; }
  return t.__vdd; })();
function __doc(){ var w = window.top, path = %s;
  for (var i = 0; i < path.length; i++) {
    var f = path[i], fw = null;
    if (typeof f === "number") { fw = w.frames[f]; }
    else { var fe = w.document.getElementById(f) || w.document.getElementsByName(f)[0]; fw = fe && fe.contentWindow; }
    if (!fw) { throw new Error("no such frame: " + f); }
    w = fw;
  }
  return w.document; }
function __put(e){ var i = __v.els.indexOf(e); if (i < 0) { __v.els.push(e); i = __v.els.length - 1; } return i; }
function __get(tok, i){ var e = tok === __v.token ? __v.els[i] : null;
  if (!e || !e.isConnected) { throw new Error("stale element"); } return e; }
`

func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx != nil {
		return nil
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if d.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.remoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", d.headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.WindowSize(d.width, d.height),
		)
		if d.execPath != "" {
			opts = append(opts, chromedp.ExecPath(d.execPath))
		}
		if d.profile != "" {
			opts = append(opts, chromedp.UserDataDir(d.profile))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { d.logger.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { d.logger.Warn(fmt.Sprintf(format, args...)) }),
	)

	// The first Run allocates the browser and binds it to the context it is
	// given, so it must be browserCtx itself.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	id := string(chromedp.FromContext(browserCtx).Target.TargetID)
	d.allocCancel = allocCancel
	d.browserCtx = browserCtx
	d.browserCancel = browserCancel
	d.tabs = map[string]tab{id: {ctx: browserCtx, cancel: browserCancel}}
	d.current = id
	d.frames = nil
	if err := d.prepareTab(ctx, browserCtx); err != nil {
		d.logger.Warn("prepare tab failed", "err", err)
	}
	d.logger.Info("browser started", "target", id, "remote", d.remoteURL != "")
	return nil
}

// prepareTab installs the dialog shim and the native dialog listener.
func (d *Driver) prepareTab(caller, tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			msg := e.Message
			d.dialogMu.Lock()
			d.dialog = &msg
			d.dialogMu.Unlock()
		}
	})
	c, cancel := withCaller(tabCtx, caller)
	defer cancel()
	return chromedp.Run(c,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(dialogShim).Do(ctx)
			return err
		}),
		chromedp.Evaluate(dialogShim, nil),
	)
}

// withCaller derives a context from the chromedp context c that is also
// cancelled with caller. Cancelling it never closes the tab.
func withCaller(c, caller context.Context) (context.Context, context.CancelFunc) {
	out, cancel := context.WithCancel(c)
	stop := context.AfterFunc(caller, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

func (d *Driver) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browserCtx != nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return nil
	}
	err := chromedp.Cancel(d.browserCtx)
	d.resetLocked(false)
	d.logger.Info("browser closed")
	return err
}

// Kill cancels the allocator, which kills the browser process outright.
func (d *Driver) Kill() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return nil
	}
	d.resetLocked(true)
	d.logger.Warn("browser killed")
	return nil
}

// resetLocked drops all tabs. With kill set the allocator goes first so
// nothing waits on a hung browser.
func (d *Driver) resetLocked(kill bool) {
	if kill {
		d.allocCancel()
	}
	for id, t := range d.tabs {
		if t.ctx != d.browserCtx {
			t.cancel()
		}
		delete(d.tabs, id)
	}
	d.browserCancel()
	d.allocCancel()
	d.browserCtx = nil
	d.current = ""
	d.frames = nil
}

func (d *Driver) tabLocked() (tab, error) {
	if d.browserCtx == nil {
		return tab{}, backend.ErrClosed
	}
	t, ok := d.tabs[d.current]
	if !ok {
		return tab{}, backend.ErrNoSuchWindow
	}
	return t, nil
}

// run executes chromedp actions in the current tab.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	t, err := d.tabLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	c, cancel := withCaller(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(c, actions...)
}

// eval runs body as a function in the current frame and decodes its return
// value into res. The result travels as a JSON string so null and undefined
// need no special casing.
func (d *Driver) eval(ctx context.Context, body string, res any) error {
	d.mu.Lock()
	path, err := json.Marshal(d.frames)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if string(path) == "null" {
		path = []byte("[]")
	}
	expr := "(function(){" + fmt.Sprintf(prelude, path) +
		"var __r = (function(){\n" + body + "\n})();\n" +
		"return JSON.stringify({v: __r === undefined ? null : __r});})()"

	var out string
	if err := d.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return mapError(err)
	}
	if res == nil {
		return nil
	}
	var wrapped struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal([]byte(out), &wrapped); err != nil {
		return fmt.Errorf("decode script result: %w", err)
	}
	return json.Unmarshal(wrapped.V, res)
}

func mapError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "stale element"):
		return fmt.Errorf("%w: %v", backend.ErrStaleElement, err)
	case strings.Contains(msg, "no such frame"):
		return fmt.Errorf("%w: %v", backend.ErrNoSuchFrame, err)
	}
	return err
}

func toHandle(el backend.Element) (handle, error) {
	h, ok := el.(handle)
	if !ok {
		return handle{}, fmt.Errorf("%w: foreign element %T", backend.ErrStaleElement, el)
	}
	return h, nil
}

func (h handle) js() string {
	return fmt.Sprintf("__get(%q, %d)", h.token, h.index)
}

// onElement runs body with the element bound to e.
func (d *Driver) onElement(ctx context.Context, el backend.Element, body string, res any) error {
	h, err := toHandle(el)
	if err != nil {
		return err
	}
	return d.eval(ctx, "var e = "+h.js()+";\n"+body, res)
}

func (d *Driver) FindElements(ctx context.Context, by backend.By, value string, parent backend.Element) ([]backend.Element, error) {
	root := "__doc()"
	if parent != nil {
		h, err := toHandle(parent)
		if err != nil {
			return nil, err
		}
		root = h.js()
	}
	v, _ := json.Marshal(value)

	var query string
	switch by {
	case backend.ByID:
		query = fmt.Sprintf(`root.querySelectorAll('[id="' + CSS.escape(%s) + '"]')`, v)
	case backend.ByCSS:
		query = fmt.Sprintf(`root.querySelectorAll(%s)`, v)
	case backend.ByClass:
		query = fmt.Sprintf(`root.getElementsByClassName(%s)`, v)
	case backend.ByName:
		query = fmt.Sprintf(`root.querySelectorAll('[name="' + CSS.escape(%s) + '"]')`, v)
	case backend.ByTagName:
		query = fmt.Sprintf(`root.getElementsByTagName(%s)`, v)
	case backend.ByLinkText:
		query = fmt.Sprintf(`Array.prototype.filter.call(root.getElementsByTagName("a"),
			function(a){ return a.innerText.replace(/\s+/g, " ").trim() === %s; })`, v)
	case backend.ByPartialLinkText:
		query = fmt.Sprintf(`Array.prototype.filter.call(root.getElementsByTagName("a"),
			function(a){ return a.innerText.indexOf(%s) >= 0; })`, v)
	case backend.ByXPath:
		query = fmt.Sprintf(`(function(){ var doc = root.ownerDocument || root, out = [];
			var r = doc.evaluate(%s, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (var i = 0; i < r.snapshotLength; i++) { if (r.snapshotItem(i).nodeType === 1) { out.push(r.snapshotItem(i)); } }
			return out; })()`, v)
	default:
		return nil, fmt.Errorf("%w: locate by %s", backend.ErrUnsupported, by)
	}

	body := "var root = " + root + ";\nvar found = " + query + ";\n" +
		"var ids = []; for (var i = 0; i < found.length; i++) { ids.push(__put(found[i])); }\n" +
		"return {tok: __v.token, ids: ids};"
	var res struct {
		Tok string `json:"tok"`
		IDs []int  `json:"ids"`
	}
	if err := d.eval(ctx, body, &res); err != nil {
		return nil, err
	}
	out := make([]backend.Element, 0, len(res.IDs))
	for _, i := range res.IDs {
		out = append(out, handle{token: res.Tok, index: i})
	}
	return out, nil
}

func (d *Driver) TagName(ctx context.Context, el backend.Element) (string, error) {
	var s string
	err := d.onElement(ctx, el, `return e.tagName.toLowerCase();`, &s)
	return s, err
}

func (d *Driver) Attribute(ctx context.Context, el backend.Element, name string) (string, error) {
	n, _ := json.Marshal(name)
	body := fmt.Sprintf(`var n = %s;
if (n === "value" && "value" in e) { return String(e.value); }
if (["checked", "selected", "disabled", "readonly", "multiple"].indexOf(n) >= 0) {
  return e[n === "readonly" ? "readOnly" : n] ? "true" : ""; }
if (n === "type" && e.type) { return String(e.type).toLowerCase(); }
var a = e.getAttribute(n); return a === null ? "" : a;`, n)
	var s string
	err := d.onElement(ctx, el, body, &s)
	return s, err
}

func (d *Driver) Text(ctx context.Context, el backend.Element) (string, error) {
	var s string
	err := d.onElement(ctx, el, `return (e.innerText || e.textContent || "").replace(/\s+/g, " ").trim();`, &s)
	return s, err
}

func (d *Driver) IsSelected(ctx context.Context, el backend.Element) (bool, error) {
	var b bool
	err := d.onElement(ctx, el, `return !!(e.checked || e.selected);`, &b)
	return b, err
}

func (d *Driver) IsEnabled(ctx context.Context, el backend.Element) (bool, error) {
	var b bool
	err := d.onElement(ctx, el, `return !e.disabled;`, &b)
	return b, err
}

func (d *Driver) Click(ctx context.Context, el backend.Element) error {
	return d.onElement(ctx, el, `e.scrollIntoView({block: "center"}); e.click();`, nil)
}

func (d *Driver) SendKeys(ctx context.Context, el backend.Element, keys string) error {
	if err := d.onElement(ctx, el, `e.focus();`, nil); err != nil {
		return err
	}
	return d.run(ctx, chromedp.KeyEvent(keys))
}

func (d *Driver) Clear(ctx context.Context, el backend.Element) error {
	return d.onElement(ctx, el, `e.value = "";
e.dispatchEvent(new Event("input", {bubbles: true}));
e.dispatchEvent(new Event("change", {bubbles: true}));`, nil)
}

func (d *Driver) SetSelected(ctx context.Context, option backend.Element, selected bool) error {
	body := fmt.Sprintf(`e.selected = %t;
var s = e.closest("select");
if (s) { s.dispatchEvent(new Event("change", {bubbles: true})); }`, selected)
	return d.onElement(ctx, option, body, nil)
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (d *Driver) center(ctx context.Context, el backend.Element) (point, error) {
	var p point
	err := d.onElement(ctx, el, `e.scrollIntoView({block: "center"});
var r = e.getBoundingClientRect(); return {x: r.left + r.width / 2, y: r.top + r.height / 2};`, &p)
	return p, err
}

func (d *Driver) DragAndDrop(ctx context.Context, src, dst backend.Element) error {
	from, err := d.center(ctx, src)
	if err != nil {
		return err
	}
	to, err := d.center(ctx, dst)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		steps := []*input.DispatchMouseEventParams{
			input.DispatchMouseEvent(input.MouseMoved, from.X, from.Y),
			input.DispatchMouseEvent(input.MousePressed, from.X, from.Y).WithButton(input.Left).WithClickCount(1),
			input.DispatchMouseEvent(input.MouseMoved, to.X, to.Y).WithButton(input.Left),
			input.DispatchMouseEvent(input.MouseReleased, to.X, to.Y).WithButton(input.Left).WithClickCount(1),
		}
		for _, s := range steps {
			if err := s.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (d *Driver) ExecuteScript(ctx context.Context, code string, args ...backend.Element) (any, error) {
	refs := make([]string, 0, len(args))
	for _, a := range args {
		h, err := toHandle(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, h.js())
	}
	body := "var a = [" + strings.Join(refs, ", ") + "];\n" +
		"return (function(){\n" + code + "\n}).apply(a.length ? a[0] : null, a);"
	var v any
	if err := d.eval(ctx, body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	bctx := d.browserCtx
	d.mu.Unlock()
	if bctx == nil {
		return nil, backend.ErrClosed
	}
	c, cancel := withCaller(bctx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(c)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range infos {
		if t.Type == "page" {
			out = append(out, string(t.TargetID))
		}
	}
	return out, nil
}

func (d *Driver) CurrentWindow(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.tabLocked(); err != nil {
		return "", err
	}
	return d.current, nil
}

func (d *Driver) SwitchToWindow(ctx context.Context, id string) error {
	handles, err := d.WindowHandles(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, h := range handles {
		if h == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", backend.ErrNoSuchWindow, id)
	}

	d.mu.Lock()
	_, attached := d.tabs[id]
	if !attached {
		tctx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(id)))
		d.tabs[id] = tab{ctx: tctx, cancel: cancel}
	}
	d.current = id
	d.frames = nil
	t := d.tabs[id]
	d.mu.Unlock()

	if !attached {
		if err := d.prepareTab(ctx, t.ctx); err != nil {
			return fmt.Errorf("attach window %s: %w", id, err)
		}
	}
	return nil
}

func (d *Driver) SwitchToFrame(ctx context.Context, ref backend.FrameRef) error {
	var step any = ref.Index
	if ref.Name != "" {
		step = ref.Name
	}
	d.mu.Lock()
	prev := d.frames
	d.frames = append(append([]any(nil), prev...), step)
	d.mu.Unlock()

	if err := d.eval(ctx, `__doc(); return true;`, nil); err != nil {
		d.mu.Lock()
		d.frames = prev
		d.mu.Unlock()
		if errors.Is(err, backend.ErrNoSuchFrame) {
			return err
		}
		return fmt.Errorf("%w: %v", backend.ErrNoSuchFrame, err)
	}
	return nil
}

func (d *Driver) SwitchToDefaultContent(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = nil
	return nil
}

func (d *Driver) resetFrames() {
	d.mu.Lock()
	d.frames = nil
	d.mu.Unlock()
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.resetFrames()
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *Driver) History(ctx context.Context, op backend.NavOp) error {
	d.resetFrames()
	switch op {
	case backend.NavBack:
		return d.run(ctx, chromedp.NavigateBack())
	case backend.NavForward:
		return d.run(ctx, chromedp.NavigateForward())
	case backend.NavRefresh:
		return d.run(ctx, chromedp.Reload())
	case backend.NavClose:
		return d.closeCurrent(ctx)
	}
	return fmt.Errorf("%w: history %q", backend.ErrUnsupported, op)
}

func (d *Driver) closeCurrent(ctx context.Context) error {
	if err := d.run(ctx, page.Close()); err != nil {
		return err
	}
	d.mu.Lock()
	if t, ok := d.tabs[d.current]; ok && t.ctx != d.browserCtx {
		t.cancel()
	}
	delete(d.tabs, d.current)
	d.current = ""
	d.mu.Unlock()

	handles, err := d.WindowHandles(ctx)
	if err == nil && len(handles) == 0 {
		return d.Close()
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var s string
	err := d.run(ctx, chromedp.Location(&s))
	return s, err
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var s string
	err := d.run(ctx, chromedp.Title(&s))
	return s, err
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	var s string
	err := d.eval(ctx, `return __doc().documentElement.outerHTML;`, &s)
	return s, err
}

func (d *Driver) PageText(ctx context.Context) (string, error) {
	var s string
	err := d.eval(ctx, `var b = __doc().body; return b ? b.innerText : "";`, &s)
	return s, err
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (d *Driver) AlertText(ctx context.Context) (string, error) {
	d.dialogMu.Lock()
	native := d.dialog
	d.dialogMu.Unlock()
	if native != nil {
		return *native, nil
	}
	var s *string
	if err := d.eval(ctx, `return __v.alert;`, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", backend.ErrNoAlert
	}
	return *s, nil
}

func (d *Driver) HandleAlert(ctx context.Context, accept bool) error {
	d.dialogMu.Lock()
	native := d.dialog
	d.dialog = nil
	d.dialogMu.Unlock()
	if native != nil {
		return d.run(ctx, page.HandleJavaScriptDialog(accept))
	}
	var had bool
	if err := d.eval(ctx, `var had = __v.alert !== null; __v.alert = null; return had;`, &had); err != nil {
		return err
	}
	if !had {
		return backend.ErrNoAlert
	}
	return nil
}
