//go:build !no_web

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"voodoo-go/internal/web"
)

type webStopper struct {
	http   *http.Server
	server *web.Server
	logger *slog.Logger
}

// initWeb starts the HTTP API over the app's store and bus.
func initWeb(a *app, cfg *Config, logger *slog.Logger) (*webStopper, error) {
	var opts []web.ServerOption
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	opts = append(opts, web.WithVersion(version))

	srv, err := web.NewServer(a.store, a.bus, logger, opts...)
	if err != nil {
		return nil, err
	}
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()
	return &webStopper{http: httpServer, server: srv, logger: logger}, nil
}

func (w *webStopper) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.http.Shutdown(ctx); err != nil {
		w.logger.Error("http server shutdown", "err", err)
	}
	w.server.Stop()
}
