package report

import (
	"regexp"
	"strings"
)

// regexForm matches "/.../" strings that contain at least one regex
// metacharacter. Anything else is a literal search string.
var regexForm = regexp.MustCompile(`^/\^?.*(?:[\[\]*()?+|\\.]).*\$?/$`)

// TextFinder searches text for either a literal string or, when the search
// string is written as /regex/, a regular expression.
type TextFinder struct {
	search string
	re     *regexp.Regexp
	exact  *regexp.Regexp
}

// NewTextFinder builds a finder for search. A /regex/ that fails to compile
// is treated as a literal.
func NewTextFinder(search string) *TextFinder {
	f := &TextFinder{search: search}
	if regexForm.MatchString(search) {
		body := strings.TrimSuffix(strings.TrimPrefix(search, "/"), "/")
		re, err := regexp.Compile("(?ms)" + body)
		if err == nil {
			f.re = re
			f.exact = regexp.MustCompile(`(?ms)\A(?:` + body + `)\z`)
		}
	}
	return f
}

// IsRegex reports whether the finder matches by regular expression.
func (f *TextFinder) IsRegex() bool { return f.re != nil }

// Find reports whether the search occurs anywhere in text.
func (f *TextFinder) Find(text string) bool {
	if f.re != nil {
		return f.re.MatchString(text)
	}
	return strings.Contains(text, f.search)
}

// FindExact reports whether text matches the search in full.
func (f *TextFinder) FindExact(text string) bool {
	if f.exact != nil {
		return f.exact.MatchString(text)
	}
	return text == f.search
}

// ReplaceAll replaces every match in text with repl.
func (f *TextFinder) ReplaceAll(text, repl string) string {
	if f.re != nil {
		return f.re.ReplaceAllLiteralString(text, repl)
	}
	return strings.ReplaceAll(text, f.search, repl)
}

func (f *TextFinder) String() string { return f.search }
