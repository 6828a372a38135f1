package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rjsadow/pitcrew/internal/telemetry"
)

// DefaultTopic subscribes to every telemetry stream.
const DefaultTopic = "crewchief/#"

const (
	connectTimeout = 30 * time.Second
	quiesceMillis  = 250
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker   string // e.g. tcp://telemetry.example.com:1883
	Username string
	Password string
	Topic    string
	// ClientID defaults to "pitcrew-<random>".
	ClientID string
	QoS      byte
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "pitcrew-" + uuid.NewString()[:8]
	}
	return c
}

// ClientOptions builds the paho options for c. Subscriptions are made by the
// caller's OnConnect handler so they survive reconnects.
func (c MQTTConfig) ClientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "broker", c.Broker, "error", err)
		})
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	return opts
}

// ClientFactory creates an MQTT client. Tests replace it.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// MQTTSource subscribes to a topic filter and forwards every decodable
// message to its handler.
type MQTTSource struct {
	config    MQTTConfig
	handler   Handler
	newClient ClientFactory
}

// NewMQTTSource creates a source. It does not connect until Run.
func NewMQTTSource(cfg MQTTConfig, handler Handler) *MQTTSource {
	return &MQTTSource{
		config:    cfg.withDefaults(),
		handler:   handler,
		newClient: mqtt.NewClient,
	}
}

// WithClientFactory overrides how the paho client is created.
func (s *MQTTSource) WithClientFactory(f ClientFactory) *MQTTSource {
	s.newClient = f
	return s
}

// Run connects, subscribes and delivers messages until ctx is done.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := s.config.ClientOptions()
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.config.Topic, s.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.deliver(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			slog.Error("MQTT subscribe failed", "topic", s.config.Topic, "error", token.Error())
			return
		}
		slog.Info("Subscribed to telemetry", "broker", s.config.Broker, "topic", s.config.Topic)
	})

	client := s.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", s.config.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(quiesceMillis)
	slog.Info("MQTT source stopped", "broker", s.config.Broker)
	return nil
}

// deliver decodes one message and passes it on. Undecodable payloads and
// rejected messages are dropped.
func (s *MQTTSource) deliver(topic string, data []byte) {
	payload, err := telemetry.DecodePayload(data)
	if err != nil {
		slog.Debug("Dropping undecodable telemetry", "topic", topic, "error", err)
		return
	}
	if err := s.handler.OnMessage(topic, payload); err != nil {
		slog.Debug("Telemetry rejected", "topic", topic, "error", err)
	}
}

// waitToken blocks until the token completes or ctx is done.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
