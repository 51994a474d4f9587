// Package backendtest provides a scriptable backend.Driver for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"voodoo-go/internal/backend"
)

// Elem is the element handle used by Fake.
type Elem struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Selected bool
	Disabled bool
	Stale    bool
}

// Fake records calls and delegates to optional func fields. Unset fields
// return zero values.
type Fake struct {
	mu    sync.Mutex
	Calls []string

	FindFunc    func(by backend.By, value string, parent backend.Element) ([]backend.Element, error)
	ClickFunc   func(el *Elem) error
	SelectFunc  func(option *Elem, selected bool) error
	ScriptFunc  func(code string, args []backend.Element) (any, error)
	HandlesFunc func() ([]string, error)
	SwitchFunc  func(handle string) error

	Open_    bool
	Window   string
	URL      string
	PageHTML string
	Body     string
	TitleStr string
	Alert    *string
}

var _ backend.Driver = (*Fake)(nil)

func (f *Fake) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func elem(el backend.Element) (*Elem, error) {
	e, ok := el.(*Elem)
	if !ok {
		return nil, fmt.Errorf("foreign element %T", el)
	}
	if e.Stale {
		return nil, backend.ErrStaleElement
	}
	return e, nil
}

func (f *Fake) Open(context.Context) error { f.record("open"); f.Open_ = true; return nil }
func (f *Fake) IsOpen() bool               { return f.Open_ }
func (f *Fake) Close() error               { f.record("close"); f.Open_ = false; return nil }
func (f *Fake) Kill() error                { f.record("kill"); f.Open_ = false; return nil }

func (f *Fake) FindElements(_ context.Context, by backend.By, value string, parent backend.Element) ([]backend.Element, error) {
	f.record("find %v %s", by, value)
	if f.FindFunc == nil {
		return nil, nil
	}
	return f.FindFunc(by, value, parent)
}

func (f *Fake) TagName(_ context.Context, el backend.Element) (string, error) {
	e, err := elem(el)
	if err != nil {
		return "", err
	}
	return e.Tag, nil
}

func (f *Fake) Attribute(_ context.Context, el backend.Element, name string) (string, error) {
	e, err := elem(el)
	if err != nil {
		return "", err
	}
	return e.Attrs[name], nil
}

func (f *Fake) Text(_ context.Context, el backend.Element) (string, error) {
	e, err := elem(el)
	if err != nil {
		return "", err
	}
	return e.Text, nil
}

func (f *Fake) IsSelected(_ context.Context, el backend.Element) (bool, error) {
	e, err := elem(el)
	if err != nil {
		return false, err
	}
	return e.Selected, nil
}

func (f *Fake) IsEnabled(_ context.Context, el backend.Element) (bool, error) {
	e, err := elem(el)
	if err != nil {
		return false, err
	}
	return !e.Disabled, nil
}

func (f *Fake) Click(_ context.Context, el backend.Element) error {
	f.record("click")
	e, err := elem(el)
	if err != nil {
		return err
	}
	if f.ClickFunc != nil {
		return f.ClickFunc(e)
	}
	if e.Attrs["type"] == "checkbox" || e.Attrs["type"] == "radio" {
		e.Selected = !e.Selected
	}
	return nil
}

func (f *Fake) SendKeys(_ context.Context, el backend.Element, keys string) error {
	f.record("sendkeys %s", keys)
	e, err := elem(el)
	if err != nil {
		return err
	}
	if e.Attrs == nil {
		e.Attrs = map[string]string{}
	}
	e.Attrs["value"] += keys
	return nil
}

func (f *Fake) Clear(_ context.Context, el backend.Element) error {
	f.record("clear")
	e, err := elem(el)
	if err != nil {
		return err
	}
	if e.Attrs != nil {
		e.Attrs["value"] = ""
	}
	return nil
}

func (f *Fake) SetSelected(_ context.Context, option backend.Element, selected bool) error {
	f.record("setselected %v", selected)
	e, err := elem(option)
	if err != nil {
		return err
	}
	if f.SelectFunc != nil {
		return f.SelectFunc(e, selected)
	}
	e.Selected = selected
	return nil
}

func (f *Fake) DragAndDrop(context.Context, backend.Element, backend.Element) error {
	f.record("dnd")
	return nil
}

func (f *Fake) ExecuteScript(_ context.Context, code string, args ...backend.Element) (any, error) {
	f.record("script")
	if f.ScriptFunc == nil {
		return nil, nil
	}
	return f.ScriptFunc(code, args)
}

func (f *Fake) WindowHandles(context.Context) ([]string, error) {
	if f.HandlesFunc != nil {
		return f.HandlesFunc()
	}
	return []string{f.Window}, nil
}

func (f *Fake) CurrentWindow(context.Context) (string, error) {
	if f.Window == "" {
		return "", backend.ErrNoSuchWindow
	}
	return f.Window, nil
}

func (f *Fake) SwitchToWindow(_ context.Context, handle string) error {
	f.record("switch %s", handle)
	if f.SwitchFunc != nil {
		if err := f.SwitchFunc(handle); err != nil {
			return err
		}
	}
	f.Window = handle
	return nil
}

func (f *Fake) SwitchToFrame(_ context.Context, ref backend.FrameRef) error {
	f.record("frame %d %s", ref.Index, ref.Name)
	return nil
}

func (f *Fake) SwitchToDefaultContent(context.Context) error {
	f.record("defaultcontent")
	return nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.record("navigate %s", url)
	f.URL = url
	return nil
}

func (f *Fake) History(_ context.Context, op backend.NavOp) error {
	f.record("history %s", op)
	return nil
}

func (f *Fake) CurrentURL(context.Context) (string, error) { return f.URL, nil }
func (f *Fake) Title(context.Context) (string, error)      { return f.TitleStr, nil }
func (f *Fake) PageSource(context.Context) (string, error) { return f.PageHTML, nil }
func (f *Fake) PageText(context.Context) (string, error)   { return f.Body, nil }

func (f *Fake) Screenshot(context.Context) ([]byte, error) {
	f.record("screenshot")
	return []byte("png"), nil
}

func (f *Fake) AlertText(context.Context) (string, error) {
	if f.Alert == nil {
		return "", backend.ErrNoAlert
	}
	return *f.Alert, nil
}

func (f *Fake) HandleAlert(_ context.Context, accept bool) error {
	f.record("alert %v", accept)
	if f.Alert == nil {
		return backend.ErrNoAlert
	}
	f.Alert = nil
	return nil
}
