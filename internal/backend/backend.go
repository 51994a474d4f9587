// Package backend defines the browser capability set the interpreter drives.
// Implementations: static (in-memory HTML) and chrome (DevTools protocol).
package backend

import (
	"context"
	"errors"
)

// Driver errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrStaleElement = errors.New("stale element")
	ErrNoSuchWindow = errors.New("no such window")
	ErrNoSuchFrame  = errors.New("no such frame")
	ErrNoAlert      = errors.New("no alert present")
	ErrUnsupported  = errors.New("not supported by backend")
	ErrClosed       = errors.New("browser closed")
)

// Element is an opaque element handle issued by a Driver. Handles are only
// meaningful to the driver that produced them.
type Element any

// By selects the query primitive used by FindElements.
type By int

const (
	ByID By = iota
	ByCSS
	ByClass
	ByName
	ByLinkText
	ByPartialLinkText
	ByXPath
	ByTagName
)

var byNames = [...]string{"id", "css", "class", "name", "link text", "partial link text", "xpath", "tag name"}

func (b By) String() string {
	if int(b) < len(byNames) {
		return byNames[b]
	}
	return "unknown"
}

// NavOp is a history or window navigation command.
type NavOp string

const (
	NavBack    NavOp = "back"
	NavForward NavOp = "forward"
	NavRefresh NavOp = "refresh"
	NavClose   NavOp = "close"
)

// FrameRef selects a frame by position or by id/name. Index is used when
// Name is empty.
type FrameRef struct {
	Index int
	Name  string
}

// Driver is the abstract interface to a browser.
type Driver interface {
	// Lifecycle
	Open(ctx context.Context) error
	IsOpen() bool
	// Close shuts the browser down gracefully.
	Close() error
	// Kill terminates the browser process without waiting for it.
	Kill() error

	// Elements. FindElements runs a single query; parent nil searches the
	// current document.
	FindElements(ctx context.Context, by By, value string, parent Element) ([]Element, error)
	TagName(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	Text(ctx context.Context, el Element) (string, error)
	IsSelected(ctx context.Context, el Element) (bool, error)
	IsEnabled(ctx context.Context, el Element) (bool, error)
	Click(ctx context.Context, el Element) error
	SendKeys(ctx context.Context, el Element, keys string) error
	Clear(ctx context.Context, el Element) error
	SetSelected(ctx context.Context, option Element, selected bool) error
	DragAndDrop(ctx context.Context, src, dst Element) error

	// ExecuteScript runs code as a function body; args are visible as
	// arguments[0..n].
	ExecuteScript(ctx context.Context, code string, args ...Element) (any, error)

	// Windows and frames
	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindow(ctx context.Context) (string, error)
	SwitchToWindow(ctx context.Context, handle string) error
	SwitchToFrame(ctx context.Context, ref FrameRef) error
	SwitchToDefaultContent(ctx context.Context) error

	// Page
	Navigate(ctx context.Context, url string) error
	History(ctx context.Context, op NavOp) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	PageText(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// Dialogs
	AlertText(ctx context.Context) (string, error)
	HandleAlert(ctx context.Context, accept bool) error
}
