// Package pipeline holds the ordered, named action lists that element kinds
// are built from.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an anchor name is not in the list.
var ErrNotFound = errors.New("action not found")

// Step is one named action.
type Step[H any] struct {
	Name    string
	Handler H
}

// List is an ordered associative list of steps. It is built once per event
// kind and read-only afterwards; it is not safe for concurrent mutation.
type List[H any] struct {
	steps []Step[H]
}

// New returns a list holding steps in order.
func New[H any](steps ...Step[H]) *List[H] {
	l := &List[H]{}
	l.steps = append(l.steps, steps...)
	return l
}

// Clone returns an independent copy, used to derive one kind's list from
// another's.
func (l *List[H]) Clone() *List[H] {
	return New(l.steps...)
}

func (l *List[H]) index(name string) int {
	for i, s := range l.steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (l *List[H]) insert(at int, s Step[H]) {
	l.steps = append(l.steps, Step[H]{})
	copy(l.steps[at+1:], l.steps[at:])
	l.steps[at] = s
}

func (l *List[H]) AddFirst(name string, h H) {
	l.insert(0, Step[H]{Name: name, Handler: h})
}

func (l *List[H]) AddLast(name string, h H) {
	l.steps = append(l.steps, Step[H]{Name: name, Handler: h})
}

// InsertBefore places a new step ahead of anchor.
func (l *List[H]) InsertBefore(anchor, name string, h H) error {
	i := l.index(anchor)
	if i < 0 {
		return fmt.Errorf("insert %q before %q: %w", name, anchor, ErrNotFound)
	}
	l.insert(i, Step[H]{Name: name, Handler: h})
	return nil
}

// InsertAfter places a new step right behind anchor.
func (l *List[H]) InsertAfter(anchor, name string, h H) error {
	i := l.index(anchor)
	if i < 0 {
		return fmt.Errorf("insert %q after %q: %w", name, anchor, ErrNotFound)
	}
	l.insert(i+1, Step[H]{Name: name, Handler: h})
	return nil
}

// Replace swaps the handler of an existing step, keeping its position.
func (l *List[H]) Replace(name string, h H) error {
	i := l.index(name)
	if i < 0 {
		return fmt.Errorf("replace %q: %w", name, ErrNotFound)
	}
	l.steps[i].Handler = h
	return nil
}

// Remove drops a step.
func (l *List[H]) Remove(name string) error {
	i := l.index(name)
	if i < 0 {
		return fmt.Errorf("remove %q: %w", name, ErrNotFound)
	}
	l.steps = append(l.steps[:i], l.steps[i+1:]...)
	return nil
}

func (l *List[H]) Has(name string) bool { return l.index(name) >= 0 }

func (l *List[H]) Len() int { return len(l.steps) }

// Names returns step names in execution order.
func (l *List[H]) Names() []string {
	out := make([]string, len(l.steps))
	for i, s := range l.steps {
		out[i] = s.Name
	}
	return out
}

// Steps returns a copy of the steps in order.
func (l *List[H]) Steps() []Step[H] {
	return append([]Step[H](nil), l.steps...)
}

// Run calls fn for every step whose name present reports true, in list
// order, until fn returns false.
func (l *List[H]) Run(present func(name string) bool, fn func(Step[H]) bool) {
	for _, s := range l.steps {
		if !present(s.Name) {
			continue
		}
		if !fn(s) {
			return
		}
	}
}
