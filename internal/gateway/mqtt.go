package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"foresta.dev/guardian/internal/protocol"
)

// Default MQTT topics. The single-level wildcard is the device hardware id.
const (
	DefaultTelemetryTopic = "guardian/+/telemetry"
	ackTopicSuffix        = "/ack"
)

// Envelope is the MQTT message body: the device credential travels beside the
// telemetry payload since MQTT has no per-message headers.
type Envelope struct {
	APIKey  string          `json:"api_key"`
	Payload json.RawMessage `json:"payload"`
}

// Ack is published back to the device on guardian/<uuid>/ack.
type Ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MQTTBridge feeds telemetry received over MQTT into the ingestion pipeline.
type MQTTBridge struct {
	logger  *slog.Logger
	gateway *Gateway
	client  mqtt.Client
	topic   string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// MQTTBridgeConfig holds the configuration for the MQTTBridge.
type MQTTBridgeConfig struct {
	Logger   *slog.Logger
	Gateway  *Gateway
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// NewMQTTBridge creates a new MQTTBridge. It does not connect until Start.
func NewMQTTBridge(cfg *MQTTBridgeConfig) (*MQTTBridge, error) {
	if cfg == nil {
		return nil, errors.New("mqtt bridge config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Gateway == nil {
		return nil, errors.New("gateway cannot be nil")
	}

	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	b := &MQTTBridge{
		logger:  cfg.Logger.With("component", "mqtt", "broker", cfg.Broker),
		gateway: cfg.Gateway,
		topic:   cfg.Topic,
		timeout: 10 * time.Second,
	}
	if b.topic == "" {
		b.topic = DefaultTelemetryTopic
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "guardian-gateway"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})
	b.client = mqtt.NewClient(opts)

	return b, nil
}

// Start connects to the broker. Subscriptions are (re)established on every connect.
func (b *MQTTBridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	token := b.client.Connect()
	if !token.WaitTimeout(30*time.Second) || token.Error() != nil {
		b.cancel()
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return nil
}

func (b *MQTTBridge) onConnect(c mqtt.Client) {
	b.logger.Info("mqtt connected, subscribing", "topic", b.topic)

	token := c.Subscribe(b.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		reply := b.Handle(b.ctx, msg.Payload())
		if hw := hardwareIDFromTopic(msg.Topic()); hw != "" {
			c.Publish("guardian/"+hw+ackTopicSuffix, 1, false, reply)
		}
	})
	if token.Wait() && token.Error() != nil {
		b.logger.Error("failed to subscribe", "topic", b.topic, "error", token.Error())
	}
}

// Handle ingests one MQTT message body and returns the encoded Ack.
func (b *MQTTBridge) Handle(ctx context.Context, body []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ack := Ack{Status: "accepted"}

	var env Envelope
	err := json.Unmarshal(body, &env)
	if err != nil {
		err = protocol.Reject(protocol.ErrBadPayload, "malformed envelope: %v", err)
	} else {
		_, err = b.gateway.Ingest(ctx, env.Payload, env.APIKey, SourceMQTT)
	}
	if err != nil {
		ack = Ack{Status: "rejected", Error: protocol.KindName(err), Reason: protocol.ReasonOf(err)}
	}

	out, _ := json.Marshal(ack)
	return out
}

// Stop unsubscribes and disconnects.
func (b *MQTTBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.client.IsConnected() {
		b.client.Unsubscribe(b.topic).WaitTimeout(5 * time.Second)
		b.client.Disconnect(250)
	}
	b.logger.Info("mqtt bridge stopped")
}

func hardwareIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}
