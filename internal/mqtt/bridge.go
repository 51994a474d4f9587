//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"voodoo-go/internal/bus"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge publishes run lifecycle events to MQTT and accepts control
// commands on <prefix>/control.
type Bridge struct {
	client pahomqtt.Client
	bus    *bus.Bus
	prefix string
	logger *slog.Logger
	unsub  func()

	mu      sync.Mutex
	onAbort func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(b *bus.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	br := &Bridge{
		bus:    b,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "voodoo"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			br.logger.Info("MQTT connected")
			br.publishBridgeState("online")
			br.subscribeControl()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			br.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	br.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return br, nil
}

// OnAbort sets the function called when an abort command arrives.
func (b *Bridge) OnAbort(fn func()) {
	b.mu.Lock()
	b.onAbort = fn
	b.mu.Unlock()
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(ev bus.Event) {
	for _, m := range buildMessages(ev, b.prefix) {
		b.publish(m.Topic, m.Payload, m.Retained)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeControl() {
	b.client.Subscribe(b.prefix+"/control", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// command is the payload accepted on <prefix>/control.
type command struct {
	Action string `json:"action"`
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}
	switch strings.ToLower(cmd.Action) {
	case "abort":
		b.mu.Lock()
		fn := b.onAbort
		b.mu.Unlock()
		if fn == nil {
			b.logger.Warn("abort requested but no run is active")
			return
		}
		b.logger.Info("abort requested over MQTT")
		fn()
	default:
		b.logger.Warn("unknown command", "action", cmd.Action)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
