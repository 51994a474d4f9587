// Package static implements backend.Driver over parsed HTML held in memory.
// Pages come from a fixed map or are fetched over http(s)/file URLs; no
// layout or rendering takes place.
package static

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"voodoo-go/internal/backend"
)

// Fetcher loads the HTML for url.
type Fetcher func(ctx context.Context, url string) (string, error)

// Option configures a Driver.
type Option func(*Driver)

// WithPages serves the given url -> HTML map before falling back to the fetcher.
func WithPages(pages map[string]string) Option {
	return func(d *Driver) {
		for k, v := range pages {
			d.pages[k] = v
		}
	}
}

// WithFetcher replaces the default http/file fetcher.
func WithFetcher(f Fetcher) Option {
	return func(d *Driver) {
		d.fetch = f
	}
}

type document struct {
	url      string
	root     *html.Node
	gq       *goquery.Document
	detached bool
}

type window struct {
	handle  string
	history []string
	pos     int
	doc     *document
	frames  []*document
}

type element struct {
	node *html.Node
	doc  *document
}

// Driver is an in-memory browser. It is safe for concurrent use; the
// supervisor may Kill it while the worker is mid-call.
type Driver struct {
	mu      sync.Mutex
	pages   map[string]string
	fetch   Fetcher
	logger  *slog.Logger
	open    bool
	windows []*window
	current *window
	nextID  int
	alert   *string
}

var _ backend.Driver = (*Driver)(nil)

// New creates a closed static driver.
func New(logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{
		pages:  make(map[string]string),
		logger: logger.With("component", "backend", "backend", "static"),
	}
	d.fetch = d.defaultFetch
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddPage registers or replaces the HTML served for url.
func (d *Driver) AddPage(url, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = body
}

func (d *Driver) defaultFetch(ctx context.Context, url string) (string, error) {
	u, err := neturl.Parse(url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "about":
		return "<html><head></head><body></body></html>", nil
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", u.Path, err)
		}
		return string(data), nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	}
	return "", fmt.Errorf("fetch %s: unsupported scheme %q", url, u.Scheme)
}

// Open starts a fresh session with one blank window.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.windows = nil
	d.alert = nil
	w := d.newWindowLocked()
	return d.navigateLocked(ctx, w, "about:blank")
}

func (d *Driver) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdownLocked()
	return nil
}

func (d *Driver) Kill() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdownLocked()
	d.logger.Warn("browser killed")
	return nil
}

func (d *Driver) shutdownLocked() {
	for _, w := range d.windows {
		w.doc.detached = true
	}
	d.open = false
	d.windows = nil
	d.current = nil
	d.alert = nil
}

func (d *Driver) newWindowLocked() *window {
	d.nextID++
	w := &window{handle: "window-" + strconv.Itoa(d.nextID)}
	d.windows = append(d.windows, w)
	d.current = w
	return w
}

func (d *Driver) loadLocked(ctx context.Context, url string) (*document, error) {
	body, ok := d.pages[url]
	if !ok {
		var err error
		if body, err = d.fetch(ctx, url); err != nil {
			return nil, err
		}
	}
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return &document{url: url, root: root, gq: goquery.NewDocumentFromNode(root)}, nil
}

func (d *Driver) navigateLocked(ctx context.Context, w *window, url string) error {
	if w.doc != nil {
		url = resolveURL(w.doc.url, url)
	}
	doc, err := d.loadLocked(ctx, url)
	if err != nil {
		return err
	}
	d.replaceDocLocked(w, doc)
	if w.pos < len(w.history)-1 {
		w.history = w.history[:w.pos+1]
	}
	w.history = append(w.history, url)
	w.pos = len(w.history) - 1
	return nil
}

func (d *Driver) replaceDocLocked(w *window, doc *document) {
	if w.doc != nil {
		w.doc.detached = true
	}
	for _, f := range w.frames {
		f.detached = true
	}
	w.doc = doc
	w.frames = nil
	d.logger.Debug("page loaded", "window", w.handle, "url", doc.url)
}

func resolveURL(base, ref string) string {
	b, err := neturl.Parse(base)
	if err != nil || b.Scheme == "about" {
		return ref
	}
	r, err := neturl.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func (d *Driver) windowLocked() (*window, error) {
	if !d.open {
		return nil, backend.ErrClosed
	}
	if d.current == nil {
		return nil, backend.ErrNoSuchWindow
	}
	return d.current, nil
}

// contextDocLocked returns the document selectors currently run against:
// the innermost switched frame, else the window's page.
func (d *Driver) contextDocLocked() (*document, error) {
	w, err := d.windowLocked()
	if err != nil {
		return nil, err
	}
	if n := len(w.frames); n > 0 {
		return w.frames[n-1], nil
	}
	return w.doc, nil
}

func (d *Driver) elem(el backend.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil {
		return nil, fmt.Errorf("foreign element handle %T", el)
	}
	if e.doc.detached || !d.open {
		return nil, backend.ErrStaleElement
	}
	return e, nil
}

// FindElements runs one query against the current document or parent.
func (d *Driver) FindElements(ctx context.Context, by backend.By, value string, parent backend.Element) ([]backend.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.contextDocLocked()
	if err != nil {
		return nil, err
	}
	scope := doc.gq.Selection
	scopeNode := doc.root
	if parent != nil {
		p, err := d.elem(parent)
		if err != nil {
			return nil, err
		}
		doc = p.doc
		scope = doc.gq.FindNodes(p.node)
		scopeNode = p.node
	}

	var nodes []*html.Node
	switch by {
	case backend.ByID:
		nodes = scope.Find(`[id="` + cssEscape(value) + `"]`).Nodes
	case backend.ByCSS:
		nodes = scope.Find(value).Nodes
	case backend.ByClass:
		nodes = scope.Find(`[class~="` + cssEscape(value) + `"]`).Nodes
	case backend.ByName:
		nodes = scope.Find(`[name="` + cssEscape(value) + `"]`).Nodes
	case backend.ByTagName:
		nodes = scope.Find(value).Nodes
	case backend.ByLinkText, backend.ByPartialLinkText:
		scope.Find("a").Each(func(_ int, s *goquery.Selection) {
			txt := normalizeSpace(s.Text())
			if (by == backend.ByLinkText && txt == value) ||
				(by == backend.ByPartialLinkText && strings.Contains(txt, value)) {
				nodes = append(nodes, s.Nodes...)
			}
		})
	case backend.ByXPath:
		found, err := htmlquery.QueryAll(scopeNode, value)
		if err != nil {
			return nil, fmt.Errorf("xpath %q: %w", value, err)
		}
		for _, n := range found {
			if n.Type == html.ElementNode {
				nodes = append(nodes, n)
			}
		}
	default:
		return nil, fmt.Errorf("find by %v: %w", by, backend.ErrUnsupported)
	}

	out := make([]backend.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{node: n, doc: doc})
	}
	return out, nil
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (d *Driver) TagName(_ context.Context, el backend.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return "", err
	}
	return e.node.Data, nil
}

func (d *Driver) Attribute(_ context.Context, el backend.Element, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return "", err
	}
	return attribute(e.node, name), nil
}

func (d *Driver) Text(_ context.Context, el backend.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return "", err
	}
	return textOf(e.node), nil
}

func (d *Driver) IsSelected(_ context.Context, el backend.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return false, err
	}
	return isSelected(e.node), nil
}

func (d *Driver) IsEnabled(_ context.Context, el backend.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return false, err
	}
	return !hasAttr(e.node, "disabled"), nil
}

func (d *Driver) Click(ctx context.Context, el backend.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return err
	}
	return d.clickLocked(ctx, e)
}

func (d *Driver) clickLocked(ctx context.Context, e *element) error {
	n := e.node
	if hasAttr(n, "disabled") {
		return fmt.Errorf("click <%s>: element is disabled", n.Data)
	}
	if js := attribute(n, "onclick"); js != "" {
		if _, err := d.runScriptLocked(ctx, js, e); err != nil {
			return fmt.Errorf("onclick: %w", err)
		}
		if e.doc.detached {
			return nil
		}
	}

	switch n.Data {
	case "a":
		href := attribute(n, "href")
		if href == "" || strings.HasPrefix(href, "#") {
			return nil
		}
		if strings.HasPrefix(href, "javascript:") {
			_, err := d.runScriptLocked(ctx, strings.TrimPrefix(href, "javascript:"), e)
			return err
		}
		url := resolveURL(e.doc.url, href)
		if attribute(n, "target") == "_blank" {
			w := d.newWindowLocked()
			return d.navigateLocked(ctx, w, url)
		}
		w, err := d.windowLocked()
		if err != nil {
			return err
		}
		return d.navigateLocked(ctx, w, url)
	case "input":
		switch attribute(n, "type") {
		case "checkbox":
			setBoolAttr(n, "checked", !hasAttr(n, "checked"))
		case "radio":
			checkRadio(e.doc.root, n)
		case "submit", "image":
			return d.submitLocked(ctx, e)
		}
	case "button":
		if attribute(n, "type") == "submit" {
			return d.submitLocked(ctx, e)
		}
	case "option":
		selectOption(n, true)
	}
	return nil
}

// submitLocked submits the enclosing form as a GET request.
func (d *Driver) submitLocked(ctx context.Context, e *element) error {
	form := ancestor(e.node, "form")
	if form == nil {
		return nil
	}
	vals := neturl.Values{}
	goquery.NewDocumentFromNode(form).Find("input, textarea, select").Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		name := attribute(n, "name")
		if name == "" || hasAttr(n, "disabled") {
			return
		}
		switch attribute(n, "type") {
		case "checkbox", "radio":
			if !hasAttr(n, "checked") {
				return
			}
		case "submit", "button", "reset", "image":
			if n != e.node {
				return
			}
		}
		vals.Add(name, attribute(n, "value"))
	})
	action := attribute(form, "action")
	if action == "" {
		action = e.doc.url
	}
	target := resolveURL(e.doc.url, action)
	if enc := vals.Encode(); enc != "" {
		if strings.Contains(target, "?") {
			target += "&" + enc
		} else {
			target += "?" + enc
		}
	}
	w, err := d.windowLocked()
	if err != nil {
		return err
	}
	return d.navigateLocked(ctx, w, target)
}

func (d *Driver) SendKeys(_ context.Context, el backend.Element, keys string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return err
	}
	if hasAttr(e.node, "disabled") || hasAttr(e.node, "readonly") {
		return fmt.Errorf("send keys to <%s>: element not interactable", e.node.Data)
	}
	setValue(e.node, attribute(e.node, "value")+keys)
	return nil
}

func (d *Driver) Clear(_ context.Context, el backend.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(el)
	if err != nil {
		return err
	}
	setValue(e.node, "")
	return nil
}

func (d *Driver) SetSelected(_ context.Context, option backend.Element, selected bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.elem(option)
	if err != nil {
		return err
	}
	if e.node.Data != "option" {
		return fmt.Errorf("set selected on <%s>: not an option", e.node.Data)
	}
	selectOption(e.node, selected)
	return nil
}

// DragAndDrop moves src to be the last child of dst.
func (d *Driver) DragAndDrop(_ context.Context, src, dst backend.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.elem(src)
	if err != nil {
		return err
	}
	t, err := d.elem(dst)
	if err != nil {
		return err
	}
	if s.node.Parent != nil {
		s.node.Parent.RemoveChild(s.node)
	}
	t.node.AppendChild(s.node)
	return nil
}

func (d *Driver) ExecuteScript(ctx context.Context, code string, args ...backend.Element) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.windowLocked(); err != nil {
		return nil, err
	}
	elems := make([]*element, 0, len(args))
	for _, a := range args {
		if a == nil {
			elems = append(elems, nil)
			continue
		}
		e, err := d.elem(a)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return d.runScriptLocked(ctx, code, elems...)
}

func (d *Driver) WindowHandles(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, backend.ErrClosed
	}
	out := make([]string, 0, len(d.windows))
	for _, w := range d.windows {
		out = append(out, w.handle)
	}
	return out, nil
}

func (d *Driver) CurrentWindow(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return "", err
	}
	return w.handle, nil
}

func (d *Driver) SwitchToWindow(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return backend.ErrClosed
	}
	for _, w := range d.windows {
		if w.handle == handle {
			d.current = w
			return nil
		}
	}
	return fmt.Errorf("window %q: %w", handle, backend.ErrNoSuchWindow)
}

func (d *Driver) SwitchToFrame(ctx context.Context, ref backend.FrameRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.contextDocLocked()
	if err != nil {
		return err
	}
	frames := doc.gq.Find("iframe, frame").Nodes
	var target *html.Node
	if ref.Name != "" {
		for _, f := range frames {
			if attribute(f, "id") == ref.Name || attribute(f, "name") == ref.Name {
				target = f
				break
			}
		}
	} else if ref.Index >= 0 && ref.Index < len(frames) {
		target = frames[ref.Index]
	}
	if target == nil {
		return fmt.Errorf("frame %+v: %w", ref, backend.ErrNoSuchFrame)
	}
	fdoc, err := d.loadLocked(ctx, resolveURL(doc.url, attribute(target, "src")))
	if err != nil {
		return fmt.Errorf("load frame: %w", err)
	}
	d.current.frames = append(d.current.frames, fdoc)
	return nil
}

func (d *Driver) SwitchToDefaultContent(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return err
	}
	for _, f := range w.frames {
		f.detached = true
	}
	w.frames = nil
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return err
	}
	return d.navigateLocked(ctx, w, url)
}

func (d *Driver) History(ctx context.Context, op backend.NavOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return err
	}
	switch op {
	case backend.NavBack, backend.NavForward, backend.NavRefresh:
		pos := w.pos
		switch op {
		case backend.NavBack:
			if pos > 0 {
				pos--
			}
		case backend.NavForward:
			if pos < len(w.history)-1 {
				pos++
			}
		}
		doc, err := d.loadLocked(ctx, w.history[pos])
		if err != nil {
			return err
		}
		d.replaceDocLocked(w, doc)
		w.pos = pos
	case backend.NavClose:
		w.doc.detached = true
		for i, x := range d.windows {
			if x == w {
				d.windows = append(d.windows[:i], d.windows[i+1:]...)
				break
			}
		}
		d.current = nil
		if len(d.windows) == 0 {
			d.open = false
		}
	default:
		return fmt.Errorf("navigation %q: %w", op, backend.ErrUnsupported)
	}
	return nil
}

func (d *Driver) CurrentURL(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return "", err
	}
	return w.doc.url, nil
}

func (d *Driver) Title(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.windowLocked()
	if err != nil {
		return "", err
	}
	return normalizeSpace(w.doc.gq.Find("title").First().Text()), nil
}

func (d *Driver) PageSource(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.contextDocLocked()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := html.Render(&sb, doc.root); err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return sb.String(), nil
}

func (d *Driver) PageText(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.contextDocLocked()
	if err != nil {
		return "", err
	}
	body := doc.gq.Find("body")
	if body.Length() == 0 {
		return textOf(doc.root), nil
	}
	return textOf(body.Nodes[0]), nil
}

func (d *Driver) Screenshot(_ context.Context) ([]byte, error) {
	return nil, fmt.Errorf("screenshot: %w", backend.ErrUnsupported)
}

func (d *Driver) AlertText(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alert == nil {
		return "", backend.ErrNoAlert
	}
	return *d.alert, nil
}

func (d *Driver) HandleAlert(_ context.Context, accept bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alert == nil {
		return backend.ErrNoAlert
	}
	d.logger.Debug("alert closed", "text", *d.alert, "accept", accept)
	d.alert = nil
	return nil
}
