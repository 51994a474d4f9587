// Package vars implements the scoped variable store used by test scripts
// and the {@name} substitution applied to script attributes.
package vars

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ErrNotFound is returned when a variable is not bound in any scope.
var ErrNotFound = errors.New("variable not found")

var tokenRe = regexp.MustCompile(`(?i)\{@[\w.]+\}`)

// Store is a stack of scopes. Index 0 is the root scope; the last element
// is the most recently pushed one.
//
// A Store is owned by one worker goroutine and is not safe for concurrent use.
type Store struct {
	stack   []map[string]string
	hijacks map[string]string
	logger  *slog.Logger
}

// New creates a store with a single root scope. hijacks take precedence
// over stored variables during substitution; nil means none.
func New(hijacks map[string]string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		hijacks: hijacks,
		logger:  logger.With("component", "vars"),
	}
	s.Push()
	return s
}

// Push opens a new innermost scope.
func (s *Store) Push() {
	s.stack = append(s.stack, make(map[string]string))
}

// Pop discards the innermost scope. The root scope is never popped.
func (s *Store) Pop() {
	if len(s.stack) <= 1 {
		s.logger.Warn("pop of root scope ignored")
		return
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// Scoped runs fn inside a fresh scope that is popped on every exit path,
// including a panic unwinding through fn.
func (s *Store) Scoped(fn func() error) error {
	s.Push()
	defer s.Pop()
	return fn()
}

// Depth returns the number of scopes, root included.
func (s *Store) Depth() int { return len(s.stack) }

// owner returns the innermost scope holding name, or nil.
func (s *Store) owner(name string) map[string]string {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if _, ok := s.stack[i][name]; ok {
			return s.stack[i]
		}
	}
	return nil
}

// Set binds name to value. An existing binding is updated in the scope that
// owns it, even when that is an outer scope; otherwise the binding is
// created in the innermost scope.
func (s *Store) Set(name, value string) {
	scope := s.owner(name)
	if scope == nil {
		scope = s.stack[len(s.stack)-1]
	}
	scope[name] = value
}

// Get returns the innermost binding of name.
func (s *Store) Get(name string) (string, error) {
	if scope := s.owner(name); scope != nil {
		return scope[name], nil
	}
	return "", fmt.Errorf("%q: %w", name, ErrNotFound)
}

// Has reports whether name is bound in any scope.
func (s *Store) Has(name string) bool {
	return s.owner(name) != nil
}

// Unset removes the innermost binding of name. Removing an unbound name is
// logged and otherwise ignored.
func (s *Store) Unset(name string) {
	scope := s.owner(name)
	if scope == nil {
		s.logger.Info("unset of unbound variable", "name", name)
		return
	}
	delete(scope, name)
}

// SetHijack adds or replaces a substitution override.
func (s *Store) SetHijack(name, value string) {
	if s.hijacks == nil {
		s.hijacks = make(map[string]string)
	}
	s.hijacks[name] = value
}

// Hijack returns the override for name, if any.
func (s *Store) Hijack(name string) (string, bool) {
	v, ok := s.hijacks[name]
	return v, ok
}

// Substitute replaces each {@name} token with the hijack override or the
// variable bound to name. Unresolved tokens are kept verbatim. Literal \n
// sequences become newlines afterwards.
func (s *Store) Substitute(text string) string {
	out := text
	if strings.Contains(text, "{@") {
		out = tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
			name := tok[2 : len(tok)-1]
			if v, ok := s.lookup(name); ok {
				return v
			}
			return tok
		})
	}
	return strings.ReplaceAll(out, `\n`, "\n")
}

// lookup resolves a token name: hijacks first, then scopes. An exact match
// wins; failing that, names are compared case-insensitively.
func (s *Store) lookup(name string) (string, bool) {
	if v, ok := s.hijacks[name]; ok {
		return v, true
	}
	if v, err := s.Get(name); err == nil {
		return v, true
	}
	if k, ok := foldMatch(s.hijacks, name); ok {
		return s.hijacks[k], true
	}
	for i := len(s.stack) - 1; i >= 0; i-- {
		if k, ok := foldMatch(s.stack[i], name); ok {
			return s.stack[i][k], true
		}
	}
	return "", false
}

// foldMatch returns the key of m equal to name under case folding. When
// several keys match, the lowest in byte order wins.
func foldMatch(m map[string]string, name string) (string, bool) {
	best, found := "", false
	for k := range m {
		if strings.EqualFold(k, name) && (!found || k < best) {
			best, found = k, true
		}
	}
	return best, found
}

// Snapshot flattens all scopes into one map, inner bindings winning.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, scope := range s.stack {
		for k, v := range scope {
			out[k] = v
		}
	}
	return out
}
