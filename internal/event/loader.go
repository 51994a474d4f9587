package event

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrParse marks every error produced while loading a script.
	ErrParse = errors.New("parse error")
	// ErrUnknownKind is wrapped by a ParseError for an unknown tag.
	ErrUnknownKind = errors.New("unknown event")
)

// ParseError reports a malformed script.
type ParseError struct {
	File string
	Line int
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// selectorKeys are attributes routed to Selectors on element kinds.
var selectorKeys = map[string]bool{
	"id": true, "class": true, "css": true, "name": true, "value": true,
	"xpath": true, "text": true, "alt": true, "href": true, "for": true,
	"action": true, "method": true, "title": true, "index": true,
	"exists": true, "required": true, "timeout": true,
	"html_tag": true, "html_type": true,
}

// xmlNode is the untyped element tree read from the decoder.
type xmlNode struct {
	name     string
	attrs    []xml.Attr
	children []*xmlNode
	text     strings.Builder
	line     int
}

// Load reads and compiles a test script file.
func Load(path string) ([]*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
	}
	return Parse(bytes.NewReader(data), path)
}

// Parse compiles the script read from r. name is used in error messages
// and recorded on each event.
func Parse(r io.Reader, name string) ([]*Event, error) {
	root, err := readTree(r, name)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(root.children))
	for _, n := range root.children {
		ev, err := compile(n, name)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func readTree(r io.Reader, name string) (*xmlNode, error) {
	dec := xml.NewDecoder(r)
	var (
		stack []*xmlNode
		root  *xmlNode
	)
	for {
		line, _ := dec.InputPos()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{File: name, Line: line, Msg: err.Error(), Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, attrs: t.Attr, line: line}
			if len(stack) == 0 {
				if root != nil {
					return nil, &ParseError{File: name, Line: line, Msg: "multiple root elements"}
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, &ParseError{File: name, Msg: "empty document"}
	}
	return root, nil
}

func compile(n *xmlNode, file string) (*Event, error) {
	kind := Kind(strings.ToLower(n.name))
	info, ok := Lookup(kind)
	if !ok {
		return nil, &ParseError{
			File: file, Line: n.line,
			Msg: fmt.Sprintf("unknown event name %q", n.name),
			Err: ErrUnknownKind,
		}
	}

	ev := &Event{
		Kind:      kind,
		Selectors: make(map[string]string),
		Actions:   make(map[string]string),
		File:      file,
		Line:      n.line,
	}
	for _, a := range n.attrs {
		key := strings.ToLower(a.Name.Local)
		if info.Class != ClassCommand && selectorKeys[key] {
			ev.Selectors[key] = a.Value
		} else {
			ev.Actions[key] = a.Value
		}
	}

	switch kind {
	case KindJavascript, KindWhitelist:
		if txt := strings.TrimSpace(n.text.String()); txt != "" {
			ev.Actions["content"] = txt
		}
		return ev, nil
	case KindExecute, KindJavaplugin:
		for _, c := range n.children {
			if strings.EqualFold(c.name, "arg") {
				ev.Args = append(ev.Args, strings.TrimSpace(c.text.String()))
			}
		}
		return ev, nil
	}

	for _, c := range n.children {
		child, err := compile(c, file)
		if err != nil {
			return nil, err
		}
		ev.Children = append(ev.Children, child)
	}
	return ev, nil
}
