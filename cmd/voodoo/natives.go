package main

import (
	"context"
	"log/slog"
	"strings"

	"voodoo-go/internal/plugin"
)

// registerNatives installs the Go plugins that plugin configs can name
// in <classname>.
func registerNatives(reg *plugin.Registry, logger *slog.Logger) {
	logger = logger.With("component", "plugin")

	// echo logs its arguments.
	reg.RegisterNative("echo", func(_ context.Context, c plugin.Call) int {
		logger.Info("echo", "args", strings.Join(c.Args, " "))
		return 0
	})

	// title fails unless the page title contains the first argument.
	reg.RegisterNative("title", func(ctx context.Context, c plugin.Call) int {
		if c.Driver == nil || len(c.Args) == 0 {
			return 1
		}
		title, err := c.Driver.Title(ctx)
		if err != nil {
			logger.Warn("title plugin", "err", err)
			return 1
		}
		if !strings.Contains(title, c.Args[0]) {
			logger.Warn("title mismatch", "title", title, "want", c.Args[0])
			return 1
		}
		return 0
	})
}
