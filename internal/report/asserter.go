package report

import (
	"encoding/xml"
	"fmt"
	"os"
	"slices"
	"strings"
)

// PageAsserter checks whole pages against a list of forbidden patterns
// (typically server error banners). Text matching an ignore entry is
// removed before the checks run.
type PageAsserter struct {
	checks  []*TextFinder
	ignores []*TextFinder
}

type asserterFile struct {
	Sections []asserterNode `xml:",any"`
}

type asserterNode struct {
	XMLName xml.Name
	Text    string         `xml:",chardata"`
	Entries []asserterNode `xml:",any"`
}

// LoadPageAsserter reads an asserter file of the form
// <voodoo><checks><regex>..</regex></checks><ignores>..</ignores></voodoo>.
func LoadPageAsserter(path string) (*PageAsserter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page asserter: %w", err)
	}
	var f asserterFile
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse page asserter %s: %w", path, err)
	}

	pa := &PageAsserter{}
	for _, sec := range f.Sections {
		var dst *[]*TextFinder
		switch strings.ToLower(sec.XMLName.Local) {
		case "checks":
			dst = &pa.checks
		case "ignores":
			dst = &pa.ignores
		default:
			return nil, fmt.Errorf("page asserter %s: unknown entry type %q", path, sec.XMLName.Local)
		}
		for _, e := range sec.Entries {
			if !strings.EqualFold(e.XMLName.Local, "regex") {
				return nil, fmt.Errorf("page asserter %s: unknown entry type %q", path, e.XMLName.Local)
			}
			*dst = append(*dst, NewTextFinder(e.Text))
		}
	}
	return pa, nil
}

// NewPageAsserter builds an asserter from raw check and ignore patterns.
func NewPageAsserter(checks, ignores []string) *PageAsserter {
	pa := &PageAsserter{}
	for _, c := range checks {
		pa.checks = append(pa.checks, NewTextFinder(c))
	}
	for _, i := range ignores {
		pa.ignores = append(pa.ignores, NewTextFinder(i))
	}
	return pa
}

// Check strips ignore and whitelist matches from page, then records one
// failed assert on rep for every check that still matches. It returns the
// number of failures.
func (pa *PageAsserter) Check(rep *Reporter, page string, whitelist map[string]string) int {
	for _, f := range pa.ignores {
		page = f.ReplaceAll(page, "")
	}
	wl := make([]string, 0, len(whitelist))
	for _, v := range whitelist {
		wl = append(wl, v)
	}
	slices.Sort(wl)
	for _, v := range wl {
		page = NewTextFinder(v).ReplaceAll(page, "")
	}

	failed := 0
	for _, f := range pa.checks {
		if f.Find(page) {
			rep.Assert(fmt.Sprintf("Page Assert found match for '%s'", f), true, false)
			failed++
		}
	}
	return failed
}
