//go:build no_web

package main

import (
	"errors"
	"log/slog"
)

type webStopper struct{}

func (w *webStopper) Stop() {}

func initWeb(_ *app, _ *Config, _ *slog.Logger) (*webStopper, error) {
	return nil, errors.New("built without web support")
}
