package plugin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// sourceCache keeps plugin files in memory for the life of the process.
type sourceCache struct {
	mu      sync.Mutex
	sources map[string]string
	protos  map[string]*lua.FunctionProto
}

func newSourceCache() *sourceCache {
	return &sourceCache{
		sources: make(map[string]string),
		protos:  make(map[string]*lua.FunctionProto),
	}
}

func (c *sourceCache) source(file string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sources[file]; ok {
		return s, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read plugin %s: %w", file, err)
	}
	c.sources[file] = string(b)
	return string(b), nil
}

// lua returns the compiled chunk for file.
func (c *sourceCache) lua(file string) (*lua.FunctionProto, error) {
	src, err := c.source(file)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.protos[file]; ok {
		return p, nil
	}
	chunk, err := parse.Parse(strings.NewReader(src), file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	proto, err := lua.Compile(chunk, file)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", file, err)
	}
	c.protos[file] = proto
	return proto, nil
}

const jsPrologue = "var CONTROL = arguments[0];\n\n"

type jsTarget struct {
	file  string
	cache *sourceCache
}

func (j *jsTarget) String() string { return j.file }

// Run executes the file in the page with CONTROL bound to the element. The
// script's return value must be an integer.
func (j *jsTarget) Run(ctx context.Context, c Call) (int, error) {
	src, err := j.cache.source(j.file)
	if err != nil {
		return 0, err
	}
	code := jsPrologue + src
	var res any
	if c.Element != nil {
		res, err = c.Driver.ExecuteScript(ctx, code, c.Element)
	} else {
		res, err = c.Driver.ExecuteScript(ctx, code)
	}
	if err != nil {
		return 0, fmt.Errorf("execute JS plugin %s: %w", j.file, err)
	}
	return parseResult(res)
}

func parseResult(res any) (int, error) {
	s := strings.TrimSpace(fmt.Sprint(res))
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	return 0, fmt.Errorf("%w: return value is not an integer (%v)", ErrPluginFailed, res)
}
