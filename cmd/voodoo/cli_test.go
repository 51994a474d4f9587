package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"voodoo-go/internal/store"
)

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// workspace holds a static-backend config and a page the tests can open.
type workspace struct {
	dir    string
	config string
	page   string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{dir: dir}
	ws.page = writeTestFile(t, dir, "home.html",
		`<html><head><title>Home</title></head><body><p id="greet">Hello voodoo</p></body></html>`)
	ws.config = writeTestFile(t, dir, "voodoo.yaml", fmt.Sprintf(`
browser:
  backend: static
run:
  results_dir: %s
  watchdog: 30s
  watchdog_poll: 1s
store:
  path: %s
log:
  level: error
`, filepath.Join(dir, "results"), filepath.Join(dir, "history.db")))
	return ws
}

func (ws *workspace) test(t *testing.T, name, assert string) string {
	t.Helper()
	return writeTestFile(t, ws.dir, name, fmt.Sprintf(`<voodoo>
  <browser url="file://%s"/>
  <p id="greet" assert="%s"/>
</voodoo>`, ws.page, assert))
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return exitSuccess
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCommand(newRootCmd(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if want := "voodoo version " + version; !strings.Contains(stdout, want) {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
}

func TestRunThenHistory(t *testing.T) {
	ws := newWorkspace(t)
	pass := ws.test(t, "pass.xml", "Hello")

	stdout, stderr, err := executeCommand(newRootCmd(), "run", "--config", ws.config, pass)
	if err != nil {
		t.Fatalf("run: %v\nstderr: %s", err, stderr)
	}
	if !strings.Contains(stdout, "passed 1") {
		t.Errorf("summary = %q", stdout)
	}

	stdout, _, err = executeCommand(newRootCmd(), "history", "--config", ws.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "pass.xml") || !strings.Contains(stdout, store.StatusFinished) {
		t.Errorf("history = %q", stdout)
	}

	stdout, _, err = executeCommand(newRootCmd(), "history", "--config", ws.config, "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	var runs []store.Run
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(runs) != 1 || runs[0].Passed != 1 {
		t.Fatalf("runs = %+v", runs)
	}

	stdout, _, err = executeCommand(newRootCmd(), "history", "--config", ws.config, runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "TEST") || !strings.Contains(stdout, "pass") {
		t.Errorf("run detail = %q", stdout)
	}
}

func TestRunFailureExitCode(t *testing.T) {
	ws := newWorkspace(t)
	fail := ws.test(t, "fail.xml", "Goodbye")

	_, _, err := executeCommand(newRootCmd(), "run", "--config", ws.config, fail)
	if got := exitCode(err); got != exitFailures {
		t.Errorf("exit code = %d, want %d (err %v)", got, exitFailures, err)
	}
}

func TestSuiteCommand(t *testing.T) {
	ws := newWorkspace(t)
	ws.test(t, "a.xml", "Hello")
	ws.test(t, "b.xml", "voodoo")
	suite := writeTestFile(t, ws.dir, "suite.xml",
		`<suite><script file="a.xml"/><script file="b.xml"/></suite>`)

	stdout, stderr, err := executeCommand(newRootCmd(), "suite", "--config", ws.config, suite)
	if err != nil {
		t.Fatalf("suite: %v\nstderr: %s", err, stderr)
	}
	if !strings.Contains(stdout, `"suite.xml"`) || !strings.Contains(stdout, "total 2  passed 2") {
		t.Errorf("summary = %q", stdout)
	}
}

func TestSuiteWithoutTests(t *testing.T) {
	ws := newWorkspace(t)
	suite := writeTestFile(t, ws.dir, "empty.xml", `<suite></suite>`)

	_, _, err := executeCommand(newRootCmd(), "suite", "--config", ws.config, suite)
	if got := exitCode(err); got != exitSetup {
		t.Errorf("exit code = %d, want %d", got, exitSetup)
	}
}

func TestSetupErrors(t *testing.T) {
	ws := newWorkspace(t)
	pass := ws.test(t, "pass.xml", "Hello")

	tests := []struct {
		name string
		args []string
	}{
		{"missing config", []string{"run", "--config", filepath.Join(ws.dir, "nope.yaml"), pass}},
		{"bad backend", []string{"run", "--config", ws.config, "--backend", "lynx", pass}},
		{"bad gvar", []string{"run", "--config", ws.config, "--gvar", "novalue", pass}},
		{"bad format", []string{"history", "--config", ws.config, "--format", "xml"}},
		{"unknown run", []string{"history", "--config", ws.config, "missing-id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(newRootCmd(), tt.args...)
			if got := exitCode(err); got != exitSetup {
				t.Errorf("exit code = %d, want %d (err %v)", got, exitSetup, err)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.Backend != "chrome" || !cfg.Browser.Headless {
		t.Errorf("browser = %+v", cfg.Browser)
	}
	if cfg.Run.Watchdog != 300*time.Second || cfg.Run.WatchdogPoll != 9*time.Second {
		t.Errorf("watchdog = %v/%v, want 5m0s/9s", cfg.Run.Watchdog, cfg.Run.WatchdogPoll)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true); err == nil {
		t.Error("expected error for a required missing config")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "voodoo.yaml", `
browser:
  window: 800x600
  headless: false
run:
  watchdog: 2m
  attach_timeout: 5s
  save_html_on: [error, assert]
vars:
  user: alice
log:
  format: json
`)
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.Headless {
		t.Error("headless = true, want false")
	}
	if w, h, err := cfg.windowSize(); err != nil || w != 800 || h != 600 {
		t.Errorf("window = %dx%d (%v), want 800x600", w, h, err)
	}
	if cfg.Run.Watchdog != 2*time.Minute || cfg.Run.AttachTimeout != 5*time.Second {
		t.Errorf("run = %+v", cfg.Run)
	}
	if len(cfg.Run.SaveHTMLOn) != 2 || cfg.Vars["user"] != "alice" {
		t.Errorf("save_html_on = %v, vars = %v", cfg.Run.SaveHTMLOn, cfg.Vars)
	}
	if cfg.Store.Path != "voodoo.db" || cfg.Log.Level != "info" {
		t.Errorf("defaults lost: store = %q, level = %q", cfg.Store.Path, cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Browser.Backend = "lynx" }},
		{"window", func(c *Config) { c.Browser.Window = "wide" }},
		{"watchdog", func(c *Config) { c.Run.Watchdog = 0 }},
		{"poll", func(c *Config) { c.Run.WatchdogPoll = time.Hour }},
		{"mqtt", func(c *Config) { c.MQTT.Enabled = true }},
		{"level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyRunFlags(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.ParseFlags([]string{
		"--gvar", "user=bob", "--gvar", "env=qa",
		"--hijack", "url=http://x",
		"--watchdog", "1s",
		"--save-html-on", "error,exception",
	}); err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	cfg.Vars = map[string]string{"user": "alice", "lang": "en"}
	if err := applyRunFlags(cmd, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Vars["user"] != "bob" || cfg.Vars["env"] != "qa" || cfg.Vars["lang"] != "en" {
		t.Errorf("vars = %v", cfg.Vars)
	}
	if cfg.Hijacks["url"] != "http://x" {
		t.Errorf("hijacks = %v", cfg.Hijacks)
	}
	if cfg.Run.Watchdog != time.Second || cfg.Run.WatchdogPoll != time.Second {
		t.Errorf("watchdog = %v poll = %v, want 1s/1s", cfg.Run.Watchdog, cfg.Run.WatchdogPoll)
	}
	if len(cfg.Run.SaveHTMLOn) != 2 {
		t.Errorf("save_html_on = %v", cfg.Run.SaveHTMLOn)
	}
	if cfg.Browser.Backend != "chrome" {
		t.Errorf("unset flag changed backend to %q", cfg.Browser.Backend)
	}
}
