//go:build !no_mqtt

package main

import (
	"log/slog"

	"voodoo-go/internal/bus"
	mqttbridge "voodoo-go/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// OnAbort wires the <prefix>/control abort command to fn.
func (m *mqttStopper) OnAbort(fn func()) {
	if m.bridge != nil {
		m.bridge.OnAbort(fn)
	}
}

func initMQTT(b *bus.Bus, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(b, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
