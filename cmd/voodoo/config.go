package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Browser struct {
		Backend  string `yaml:"backend"` // "chrome" or "static"
		Headless bool   `yaml:"headless"`
		ExecPath string `yaml:"exec_path"`
		Remote   string `yaml:"remote"` // DevTools websocket of a running browser
		Profile  string `yaml:"profile"`
		Window   string `yaml:"window"` // WxH
	} `yaml:"browser"`
	Run struct {
		ResultsDir    string        `yaml:"results_dir"`
		Watchdog      time.Duration `yaml:"watchdog"`
		WatchdogPoll  time.Duration `yaml:"watchdog_poll"`
		AttachTimeout time.Duration `yaml:"attach_timeout"`
		HaltOnFailure bool          `yaml:"halt_on_failure"`
		SaveHTMLOn    []string      `yaml:"save_html_on"`
		ScreenshotOn  []string      `yaml:"screenshot_on"`
		Blocklist     string        `yaml:"blocklist"`
	} `yaml:"run"`
	Vars        map[string]string `yaml:"vars"`
	Hijacks     map[string]string `yaml:"hijacks"`
	Plugins     []string          `yaml:"plugins"`
	PageAsserts string            `yaml:"page_asserts"`
	Store       struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Browser.Backend = "chrome"
	cfg.Browser.Headless = true
	cfg.Browser.Window = "1280x1024"
	cfg.Run.ResultsDir = "results"
	cfg.Run.Watchdog = 300 * time.Second
	cfg.Run.WatchdogPoll = 9 * time.Second
	cfg.Store.Path = "voodoo.db"
	cfg.MQTT.TopicPrefix = "voodoo"
	cfg.Web.Listen = "127.0.0.1:8090"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads path over the defaults. A missing file is an error only
// when required is set; otherwise the defaults are returned.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Browser.Backend == "" {
		cfg.Browser.Backend = "chrome"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "voodoo.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "voodoo"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Browser.Backend {
	case "chrome", "static":
	default:
		return fmt.Errorf("browser.backend must be chrome or static, got %q", c.Browser.Backend)
	}
	if _, _, err := c.windowSize(); err != nil {
		return err
	}
	if c.Run.Watchdog <= 0 {
		return fmt.Errorf("run.watchdog must be positive")
	}
	if c.Run.WatchdogPoll <= 0 || c.Run.WatchdogPoll > c.Run.Watchdog {
		return fmt.Errorf("run.watchdog_poll must be positive and not exceed run.watchdog")
	}
	if c.Run.AttachTimeout < 0 {
		return fmt.Errorf("run.attach_timeout must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// windowSize parses Browser.Window. Empty means the driver default.
func (c *Config) windowSize() (w, h int, err error) {
	if c.Browser.Window == "" {
		return 0, 0, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(c.Browser.Window), "x")
	if ok {
		w, err = strconv.Atoi(ws)
		if err == nil {
			h, err = strconv.Atoi(hs)
		}
	}
	if !ok || err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("browser.window must be WIDTHxHEIGHT, got %q", c.Browser.Window)
	}
	return w, h, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
