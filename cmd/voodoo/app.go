package main

import (
	"fmt"
	"log/slog"

	"voodoo-go/internal/backend"
	"voodoo-go/internal/backend/chrome"
	"voodoo-go/internal/backend/static"
	"voodoo-go/internal/bus"
	"voodoo-go/internal/event"
	"voodoo-go/internal/plugin"
	"voodoo-go/internal/report"
	"voodoo-go/internal/runner"
	"voodoo-go/internal/store"
)

// app holds the long-lived pieces shared by the run, suite and serve
// commands.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	store   *store.BoltStore
	bus     *bus.Bus
	drv     backend.Driver
	plugins *plugin.Registry
	runner  *runner.Runner
}

// newApp opens the history store and the event bus.
func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  db,
		bus:    bus.New(logger),
	}, nil
}

// setupRunner builds the driver, plugins and runner. The browser itself is
// started lazily by the runner.
func (a *app) setupRunner() error {
	drv, err := newDriver(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.drv = drv

	a.plugins = plugin.NewRegistry(a.logger)
	registerNatives(a.plugins, a.logger)
	for _, path := range a.cfg.Plugins {
		if err := a.plugins.LoadConfig(path); err != nil {
			return err
		}
	}

	var asserter *report.PageAsserter
	if a.cfg.PageAsserts != "" {
		if asserter, err = report.LoadPageAsserter(a.cfg.PageAsserts); err != nil {
			return fmt.Errorf("load page asserts: %w", err)
		}
	}

	var blocklist event.Blocklist
	if a.cfg.Run.Blocklist != "" {
		if blocklist, err = event.LoadBlocklist(a.cfg.Run.Blocklist); err != nil {
			return fmt.Errorf("load blocklist: %w", err)
		}
	}

	a.runner = runner.New(runner.Config{
		ResultsDir:    a.cfg.Run.ResultsDir,
		Watchdog:      a.cfg.Run.Watchdog,
		WatchdogPoll:  a.cfg.Run.WatchdogPoll,
		AttachTimeout: a.cfg.Run.AttachTimeout,
		HaltOnFailure: a.cfg.Run.HaltOnFailure,
		SaveHTMLOn:    a.cfg.Run.SaveHTMLOn,
		ScreenshotOn:  a.cfg.Run.ScreenshotOn,
		Blocklist:     blocklist,
		Vars:          a.cfg.Vars,
		Hijacks:       a.cfg.Hijacks,
		PageAsserter:  asserter,
	}, a.drv, a.logger,
		runner.WithStore(a.store),
		runner.WithBus(a.bus),
		runner.WithPlugins(a.plugins),
	)
	return nil
}

func (a *app) Close() {
	if a.drv != nil && a.drv.IsOpen() {
		if err := a.drv.Close(); err != nil {
			a.logger.Warn("close browser", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

func newDriver(cfg *Config, logger *slog.Logger) (backend.Driver, error) {
	switch cfg.Browser.Backend {
	case "static":
		logger.Info("using static backend")
		return static.New(logger), nil
	case "chrome", "":
		opts := []chrome.Option{chrome.WithHeadless(cfg.Browser.Headless)}
		if cfg.Browser.ExecPath != "" {
			opts = append(opts, chrome.WithExecPath(cfg.Browser.ExecPath))
		}
		if cfg.Browser.Remote != "" {
			opts = append(opts, chrome.WithRemote(cfg.Browser.Remote))
		}
		if cfg.Browser.Profile != "" {
			opts = append(opts, chrome.WithProfile(cfg.Browser.Profile))
		}
		w, h, err := cfg.windowSize()
		if err != nil {
			return nil, err
		}
		if w > 0 {
			opts = append(opts, chrome.WithWindowSize(w, h))
		}
		logger.Info("using chrome backend", "headless", cfg.Browser.Headless, "remote", cfg.Browser.Remote)
		return chrome.New(logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Browser.Backend)
	}
}
