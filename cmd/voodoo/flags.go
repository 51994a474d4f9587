package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// addRunFlags registers the flags that override the run section of the
// config file.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend", "", "Browser backend: chrome | static")
	f.Bool("headless", true, "Run chrome without a window")
	f.String("results", "", "Directory for logs, saved pages and screenshots")
	f.StringArray("gvar", nil, "Global variable name=value (repeatable)")
	f.StringArray("hijack", nil, "Hijack variable name=value (repeatable)")
	f.StringArray("plugin", nil, "Plugin config file (repeatable)")
	f.Bool("halt-on-failure", false, "Stop a test at its first failure")
	f.Duration("attach-timeout", 0, "How long attach waits for a window")
	f.Duration("watchdog", 0, "Inactivity threshold before a test is killed")
	f.String("blocklist", "", "File listing tests that must not run")
	f.String("page-asserts", "", "Page asserter file")
	f.StringSlice("save-html-on", nil, "Save the page on: error, assert, exception, warn")
	f.StringSlice("screenshot-on", nil, "Take a screenshot on: error, assert, exception, warn")
}

// applyRunFlags copies every flag the user actually set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Browser.Backend, _ = f.GetString("backend")
	}
	if f.Changed("headless") {
		cfg.Browser.Headless, _ = f.GetBool("headless")
	}
	if f.Changed("results") {
		cfg.Run.ResultsDir, _ = f.GetString("results")
	}
	if f.Changed("halt-on-failure") {
		cfg.Run.HaltOnFailure, _ = f.GetBool("halt-on-failure")
	}
	if f.Changed("attach-timeout") {
		cfg.Run.AttachTimeout, _ = f.GetDuration("attach-timeout")
	}
	if f.Changed("watchdog") {
		cfg.Run.Watchdog, _ = f.GetDuration("watchdog")
		if cfg.Run.WatchdogPoll > cfg.Run.Watchdog {
			cfg.Run.WatchdogPoll = cfg.Run.Watchdog
		}
	}
	if f.Changed("blocklist") {
		cfg.Run.Blocklist, _ = f.GetString("blocklist")
	}
	if f.Changed("page-asserts") {
		cfg.PageAsserts, _ = f.GetString("page-asserts")
	}
	if f.Changed("save-html-on") {
		cfg.Run.SaveHTMLOn, _ = f.GetStringSlice("save-html-on")
	}
	if f.Changed("screenshot-on") {
		cfg.Run.ScreenshotOn, _ = f.GetStringSlice("screenshot-on")
	}
	if f.Changed("plugin") {
		plugins, _ := f.GetStringArray("plugin")
		cfg.Plugins = append(cfg.Plugins, plugins...)
	}

	var err error
	if cfg.Vars, err = mergePairs(cmd, "gvar", cfg.Vars); err != nil {
		return err
	}
	if cfg.Hijacks, err = mergePairs(cmd, "hijack", cfg.Hijacks); err != nil {
		return err
	}
	return nil
}

// mergePairs adds the name=value pairs of a repeatable flag to m.
func mergePairs(cmd *cobra.Command, flag string, m map[string]string) (map[string]string, error) {
	pairs, _ := cmd.Flags().GetStringArray(flag)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want name=value", flag, p)
		}
		if m == nil {
			m = make(map[string]string)
		}
		m[k] = v
	}
	return m, nil
}
