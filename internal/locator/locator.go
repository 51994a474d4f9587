// Package locator resolves an event's selectors to a single page element.
package locator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/event"
)

var (
	// ErrLocate marks a missing or unparsable locator attribute.
	ErrLocate = errors.New("invalid locator attribute")
	// ErrNotFound is a miss on a required element.
	ErrNotFound = errors.New("failed to find element")
	// ErrUnexpected is a hit on an element declared exists=false.
	ErrUnexpected = errors.New("element exists and exists=false")
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultPoll    = 100 * time.Millisecond
)

// Reporter receives locator diagnostics.
type Reporter interface {
	Log(msg string, args ...any)
	Error(msg string, args ...any)
}

// Finder runs element lookups against a driver.
type Finder struct {
	drv        backend.Driver
	substitute func(string) string
	rep        Reporter
	timeout    time.Duration
	poll       time.Duration
}

// Option configures a Finder.
type Option func(*Finder)

// WithTimeout overrides the default search budget.
func WithTimeout(d time.Duration) Option {
	return func(f *Finder) { f.timeout = d }
}

// WithPoll overrides the retry interval.
func WithPoll(d time.Duration) Option {
	return func(f *Finder) { f.poll = d }
}

// New returns a Finder. substitute expands {@var} tokens in selector values.
func New(drv backend.Driver, substitute func(string) string, rep Reporter, opts ...Option) *Finder {
	f := &Finder{
		drv:        drv,
		substitute: substitute,
		rep:        rep,
		timeout:    DefaultTimeout,
		poll:       DefaultPoll,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type query struct {
	kind     event.Kind
	sel      map[string]string
	tag      string
	typ      string
	parent   backend.Element
	timeout  time.Duration
	index    int
	exists   bool
	existSet bool
	required bool
	reqSet   bool
}

// Find resolves ev relative to parent (nil means the document). A nil
// element with a nil error is the "not found but acceptable" outcome. Every
// error has already been reported.
func (f *Finder) Find(ctx context.Context, ev *event.Event, parent backend.Element) (backend.Element, error) {
	q, err := f.prepare(ev, parent)
	if err != nil {
		f.rep.Error(err.Error())
		return nil, err
	}

	elements := f.search(ctx, q)
	elements = f.filterByTag(ctx, q, elements)
	elements = f.filterByAttribute(ctx, q, elements)

	var el backend.Element
	if q.index < len(elements) {
		el = elements[q.index]
	} else if q.index > 0 {
		err := fmt.Errorf("%w: index (%d) out of bounds", ErrNotFound, q.index)
		f.rep.Error(err.Error())
		return nil, err
	}
	return f.reconcile(q, el)
}

func (f *Finder) reconcile(q *query, el backend.Element) (backend.Element, error) {
	switch {
	case el != nil && !q.exists:
		f.rep.Error(ErrUnexpected.Error())
		return nil, ErrUnexpected
	case el != nil:
		f.rep.Log("Found element")
		return el, nil
	case !q.exists:
		f.rep.Log("Element not found and exists => false")
		return nil, nil
	case q.required:
		msg := ErrNotFound.Error()
		if q.reqSet {
			msg += " and required => true"
		} else if q.existSet {
			msg += " and exists => true"
		}
		f.rep.Error(msg)
		return nil, ErrNotFound
	default:
		f.rep.Log("Element not found but required => false")
		return nil, nil
	}
}

func (f *Finder) prepare(ev *event.Event, parent backend.Element) (*query, error) {
	q := &query{
		kind:     ev.Kind,
		sel:      make(map[string]string, len(ev.Selectors)),
		parent:   parent,
		timeout:  f.timeout,
		exists:   true,
		required: true,
	}
	for k, v := range ev.Selectors {
		q.sel[k] = f.substitute(v)
	}

	info := ev.Info()
	q.tag, q.typ = info.Tag, info.Type
	if v, ok := q.sel["html_tag"]; ok {
		q.tag = v
	}
	if v, ok := q.sel["html_type"]; ok {
		q.typ = v
	}

	if v, ok := ev.Attr("exists"); ok {
		q.exists, q.existSet = event.ParseBool(f.substitute(v)), true
	}
	if v, ok := ev.Attr("required"); ok {
		q.required, q.reqSet = event.ParseBool(f.substitute(v)), true
	}
	if v, ok := ev.Attr("index"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(f.substitute(v)))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid value for 'index': %q", ErrLocate, v)
		}
		q.index = n
	}
	if v, ok := ev.Attr("timeout"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(f.substitute(v)))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid value for 'timeout': %q", ErrLocate, v)
		}
		q.timeout = time.Duration(max(n, 0)) * time.Second
	}
	return q, nil
}

var whitespace = regexp.MustCompile(`\s`)

// search runs the primary selector, polling until something matches or the
// timeout runs out.
func (f *Finder) search(ctx context.Context, q *query) []backend.Element {
	run := f.primary(q)
	deadline := time.Now().Add(q.timeout)
	for {
		found, err := run(ctx)
		if err == nil && len(found) > 0 {
			return found
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		t := time.NewTimer(f.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

type searchFunc func(ctx context.Context) ([]backend.Element, error)

func (f *Finder) by(q *query, by backend.By, value string) searchFunc {
	return func(ctx context.Context) ([]backend.Element, error) {
		return f.drv.FindElements(ctx, by, value, q.parent)
	}
}

func (f *Finder) byTags(q *query) searchFunc {
	return func(ctx context.Context) ([]backend.Element, error) {
		var out []backend.Element
		for _, tag := range splitFilter(q.tag) {
			found, err := f.drv.FindElements(ctx, backend.ByTagName, tag, q.parent)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
		}
		return out, nil
	}
}

// keep narrows a search by a per-element predicate.
func keep(base searchFunc, pred func(ctx context.Context, el backend.Element) bool) searchFunc {
	return func(ctx context.Context) ([]backend.Element, error) {
		found, err := base(ctx)
		if err != nil {
			return nil, err
		}
		out := found[:0:0]
		for _, el := range found {
			if pred(ctx, el) {
				out = append(out, el)
			}
		}
		return out, nil
	}
}

func (f *Finder) attrEquals(name, want string) func(context.Context, backend.Element) bool {
	return func(ctx context.Context, el backend.Element) bool {
		v, err := f.drv.Attribute(ctx, el, name)
		return err == nil && v == want
	}
}

func (f *Finder) primary(q *query) searchFunc {
	s := q.sel
	if v, ok := s["alt"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for %s with alt text '%s'", q.tag, v))
		return keep(f.byTags(q), f.attrEquals("alt", v))
	}
	if v, ok := s["class"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for class '%s'", v))
		if whitespace.MatchString(v) {
			// Compound class names are matched literally on the tag set.
			var parts []string
			for _, tag := range splitFilter(q.tag) {
				parts = append(parts, fmt.Sprintf(`%s[class="%s"]`, tag, v))
			}
			if len(parts) == 0 {
				parts = append(parts, fmt.Sprintf(`[class="%s"]`, v))
			}
			return f.by(q, backend.ByCSS, strings.Join(parts, ","))
		}
		return f.by(q, backend.ByClass, v)
	}
	if v, ok := s["css"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for css '%s'", v))
		return f.by(q, backend.ByCSS, v)
	}
	if v, ok := s["id"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for id '%s'", v))
		return f.by(q, backend.ByID, v)
	}
	if v, ok := s["text"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for %s with text '%s'", q.tag, v))
		if q.tag == "a" {
			return f.by(q, backend.ByLinkText, v)
		}
		return keep(f.byTags(q), func(ctx context.Context, el backend.Element) bool {
			t, err := f.drv.Text(ctx, el)
			return err == nil && strings.Contains(t, v)
		})
	}
	if v, ok := s["name"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for name '%s'", v))
		return f.by(q, backend.ByName, v)
	}
	if v, ok := s["value"]; ok {
		what := q.tag
		if q.typ != "" {
			what = q.typ
		}
		f.rep.Log(fmt.Sprintf("Searching all %s elements for value='%s'. This could take a while...", what, v))
		return keep(f.byTags(q), f.attrEquals("value", v))
	}
	if v, ok := s["xpath"]; ok {
		f.rep.Log(fmt.Sprintf("Searching for xpath '%s'", v))
		return f.by(q, backend.ByXPath, v)
	}
	f.rep.Log(fmt.Sprintf("Searching for HTML tag '%s'", q.tag))
	return f.byTags(q)
}

func splitFilter(filter string) []string {
	if filter == "" {
		return nil
	}
	return strings.Split(filter, "|")
}

// matchFilter reports whether v is in the '|' separated filter. An empty
// filter matches everything.
func matchFilter(v, filter string) bool {
	if filter == "" {
		return true
	}
	for _, f := range splitFilter(filter) {
		if v == f {
			return true
		}
	}
	return false
}

func (f *Finder) filterByTag(ctx context.Context, q *query, in []backend.Element) []backend.Element {
	if q.tag == "" && q.typ == "" {
		return in
	}
	out := make([]backend.Element, 0, len(in))
	for _, el := range in {
		tag, err := f.drv.TagName(ctx, el)
		if err != nil || !matchFilter(strings.ToLower(tag), q.tag) {
			continue
		}
		if q.typ != "" {
			typ, err := f.drv.Attribute(ctx, el, "type")
			if err != nil || !matchFilter(typ, q.typ) {
				continue
			}
		}
		out = append(out, el)
	}
	return out
}

// filterByAttribute applies the kind-specific secondary selector.
func (f *Finder) filterByAttribute(ctx context.Context, q *query, in []backend.Element) []backend.Element {
	var name string
	switch q.kind {
	case event.KindFilefield:
		name = "title"
	case event.KindForm:
		name = "action"
		if _, ok := q.sel[name]; !ok {
			name = "method"
		}
	case event.KindImage:
		name = "alt"
	case event.KindLabel:
		name = "for"
	case event.KindLink:
		name = "href"
	}
	want, ok := q.sel[name]
	if name == "" || !ok {
		return in
	}
	out := make([]backend.Element, 0, len(in))
	for _, el := range in {
		if f.attrEquals(name, want)(ctx, el) {
			out = append(out, el)
		}
	}
	return out
}
