// Package event defines the parsed test-script tree and the loader that
// builds it from XML.
package event

import (
	"strconv"
	"strings"
)

// Event is one parsed script instruction. Events are immutable once loaded;
// attribute values are stored before variable substitution.
type Event struct {
	Kind      Kind
	Selectors map[string]string
	Actions   map[string]string
	// Args holds the text of <arg> children (execute, javaplugin).
	Args     []string
	Children []*Event

	File string
	Line int
}

// Info returns the kind description. Loaded events always have one.
func (e *Event) Info() KindInfo {
	info, _ := Lookup(e.Kind)
	return info
}

// Selector returns a raw selector value.
func (e *Event) Selector(name string) (string, bool) {
	v, ok := e.Selectors[name]
	return v, ok
}

// Action returns a raw action value.
func (e *Event) Action(name string) (string, bool) {
	v, ok := e.Actions[name]
	return v, ok
}

// HasAction reports whether the action is present.
func (e *Event) HasAction(name string) bool {
	_, ok := e.Actions[name]
	return ok
}

// Attr looks a name up in selectors then actions.
func (e *Event) Attr(name string) (string, bool) {
	if v, ok := e.Selectors[name]; ok {
		return v, true
	}
	return e.Action(name)
}

// ParseBool converts script booleans: "true"/"false", integer zero is false
// and any other integer is true. Anything else is false.
func ParseBool(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "true":
		return true
	case "false", "":
		return false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return n != 0
}

// Walk visits e and all descendants depth-first in document order.
func (e *Event) Walk(fn func(*Event)) {
	fn(e)
	for _, c := range e.Children {
		c.Walk(fn)
	}
}
