//go:build no_mqtt

package main

import (
	"log/slog"

	"voodoo-go/internal/bus"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func (m *mqttStopper) OnAbort(func()) {}

func initMQTT(_ *bus.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
