package plugin

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"voodoo-go/internal/event"
)

type configFile struct {
	XMLName xml.Name       `xml:"data"`
	Plugins []configPlugin `xml:"plugin"`
}

type configPlugin struct {
	Control   string   `xml:"control"`
	Event     string   `xml:"event"`
	JSFile    string   `xml:"jsfile"`
	LuaFile   string   `xml:"luafile"`
	ClassName string   `xml:"classname"`
	Args      []string `xml:"args>arg"`
}

// LoadConfig reads a plugin XML file and appends its plugins to the hook
// list. Script paths are relative to the config file.
func (r *Registry) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plugin config: %w", err)
	}
	var cfg configFile
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	if len(cfg.Plugins) == 0 {
		return fmt.Errorf("plugin config %s: missing <plugin> element", path)
	}

	dir := filepath.Dir(path)
	var loaded []*Plugin
	for i, cp := range cfg.Plugins {
		p, err := r.fromConfig(dir, cp)
		if err != nil {
			return fmt.Errorf("plugin config %s: plugin %d: %w", path, i+1, err)
		}
		loaded = append(loaded, p)
	}
	r.Add(loaded...)
	r.logger.Info("plugins loaded", "file", path, "count", len(loaded))
	return nil
}

func (r *Registry) fromConfig(dir string, cp configPlugin) (*Plugin, error) {
	p := &Plugin{Args: cp.Args}
	for _, k := range splitList(cp.Control) {
		kind := event.Kind(strings.ToLower(k))
		if _, ok := event.Lookup(kind); !ok {
			return nil, fmt.Errorf("%w: %q", event.ErrUnknownKind, k)
		}
		p.Kinds = append(p.Kinds, kind)
	}
	for _, e := range splitList(cp.Event) {
		pt, err := ParsePoint(e)
		if err != nil {
			return nil, err
		}
		p.Points = append(p.Points, pt)
	}

	resolve := func(f string) string {
		f = strings.TrimSpace(f)
		if filepath.IsAbs(f) {
			return f
		}
		return filepath.Join(dir, f)
	}

	switch {
	case cp.ClassName != "":
		name := strings.TrimSpace(cp.ClassName)
		r.mu.RLock()
		t, ok := r.native(name)
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		p.Target = t
	case cp.JSFile != "":
		t, err := r.scriptTarget(resolve(cp.JSFile))
		if err != nil {
			return nil, err
		}
		p.Target = t
	case cp.LuaFile != "":
		file := resolve(cp.LuaFile)
		if _, err := r.cache.lua(file); err != nil {
			return nil, err
		}
		p.Target = &luaTarget{file: file, cache: r.cache, logger: r.logger}
	default:
		return nil, fmt.Errorf("plugin is neither a script nor a native plugin")
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
