package event

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type suiteFile struct {
	XMLName xml.Name `xml:"suite"`
	Scripts []struct {
		File    string `xml:"file,attr"`
		Fileset string `xml:"fileset,attr"`
	} `xml:"script"`
}

// LoadSuite reads <suite><script file=".."/><script fileset="dir"/></suite>
// and returns the test files in order. A fileset expands to every *.xml in
// the directory, sorted. Relative paths resolve against the suite's
// directory.
func LoadSuite(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
	}
	var s suiteFile
	if err := xml.Unmarshal(data, &s); err != nil {
		return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
	}

	dir := filepath.Dir(path)
	var tests []string
	for i, sc := range s.Scripts {
		switch {
		case sc.File != "":
			tests = append(tests, resolve(dir, sc.File))
		case sc.Fileset != "":
			files, err := Fileset(resolve(dir, sc.Fileset))
			if err != nil {
				return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
			}
			tests = append(tests, files...)
		default:
			return nil, &ParseError{File: path, Msg: fmt.Sprintf("script %d: missing file or fileset", i+1)}
		}
	}
	return tests, nil
}

// Fileset lists the *.xml files in dir, sorted by name.
func Fileset(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fileset: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

type blocklistFile struct {
	XMLName xml.Name `xml:"blocklist"`
	Blocks  []struct {
		TestFile string `xml:"testfile,attr"`
	} `xml:"block"`
}

// Blocklist names test files that must not run.
type Blocklist map[string]bool

// LoadBlocklist reads <blocklist><block testfile="name.xml"/></blocklist>.
func LoadBlocklist(path string) (Blocklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
	}
	var f blocklistFile
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{File: path, Msg: err.Error(), Err: err}
	}
	bl := make(Blocklist, len(f.Blocks))
	for _, b := range f.Blocks {
		if name := strings.TrimSpace(b.TestFile); name != "" {
			bl[filepath.Base(name)] = true
		}
	}
	return bl, nil
}

// Blocked reports whether test is listed, matched by file name.
func (b Blocklist) Blocked(test string) bool {
	return b[filepath.Base(test)]
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(dir, p)
}
